package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMonotonic(t *testing.T) {
	gen, err := NewGenerator(1, 0)
	require.NoError(t, err)

	var prev Id
	for i := 0; i < 10000; i++ {
		id := gen.Generate()
		assert.Greater(t, uint64(id), uint64(prev))
		prev = id
	}
}

func TestGenerateConcurrentUnique(t *testing.T) {
	gen, err := NewGenerator(3, 1)
	require.NoError(t, err)

	const goroutines = 16
	const perGoroutine = 2000

	seen := make(chan Id, goroutines*perGoroutine)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				seen <- gen.Generate()
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[Id]struct{}, goroutines*perGoroutine)
	for id := range seen {
		_, dup := unique[id]
		require.False(t, dup, "duplicate id generated: %d", id)
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, goroutines*perGoroutine)
}

func TestNewGeneratorRejectsOutOfRangeWorker(t *testing.T) {
	_, err := NewGenerator(maxWorker+1, 0)
	assert.Error(t, err)

	_, err = NewGenerator(0, maxInstance+1)
	assert.Error(t, err)
}

func TestTimestampRoundTrip(t *testing.T) {
	gen, err := NewGenerator(0, 0)
	require.NoError(t, err)

	id := gen.Generate()
	ts := Timestamp(id)
	assert.WithinDuration(t, time.Now(), ts, time.Second)
	assert.True(t, ts.After(Epoch))
}

func TestSystemSentinel(t *testing.T) {
	assert.Equal(t, Id(1), System)
	assert.True(t, Id(0).IsZero())
	assert.False(t, System.IsZero())
}
