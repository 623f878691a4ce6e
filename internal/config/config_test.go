package config

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		original, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, original)
			}
		})
	}
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "FS_CACHE_INTERVAL", "MESSAGE_LENGTH_LIMIT", "CAMO_ENABLE", "EMBED_WORKER_URIS")

	cfg := Load()
	assert.Equal(t, 120*time.Second, cfg.FSCacheInterval)
	assert.Equal(t, 4096, cfg.MessageLength)
	assert.False(t, cfg.CamoEnable)
	assert.Nil(t, cfg.EmbedWorkerURIs)
}

func TestLoadReadsOverridesFromEnvironment(t *testing.T) {
	clearEnv(t, "FS_CACHE_INTERVAL", "MESSAGE_LENGTH_LIMIT", "CAMO_ENABLE", "EMBED_WORKER_URIS")
	os.Setenv("FS_CACHE_INTERVAL", "5s")
	os.Setenv("MESSAGE_LENGTH_LIMIT", "2000")
	os.Setenv("CAMO_ENABLE", "true")
	os.Setenv("EMBED_WORKER_URIS", "https://a.test, https://b.test")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.FSCacheInterval)
	assert.Equal(t, 2000, cfg.MessageLength)
	assert.True(t, cfg.CamoEnable)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.EmbedWorkerURIs)
}

func TestLoadIgnoresUnparseableIntAndFallsBackToDefault(t *testing.T) {
	clearEnv(t, "MESSAGE_LENGTH_LIMIT")
	os.Setenv("MESSAGE_LENGTH_LIMIT", "not-a-number")

	cfg := Load()
	assert.Equal(t, 4096, cfg.MessageLength)
}

func TestStoreWatchSIGHUPReloadsOnSignal(t *testing.T) {
	clearEnv(t, "MESSAGE_LENGTH_LIMIT")
	os.Setenv("MESSAGE_LENGTH_LIMIT", "1000")

	s := NewStore()
	require := assert.New(t)
	require.Equal(1000, s.Current().MessageLength)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.WatchSIGHUP(stop)
		close(done)
	}()

	os.Setenv("MESSAGE_LENGTH_LIMIT", "9999")
	proc, err := os.FindProcess(os.Getpid())
	require.NoError(err)
	require.NoError(proc.Signal(syscall.SIGHUP))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Current().MessageLength == 9999 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(9999, s.Current().MessageLength)

	close(stop)
	<-done
}
