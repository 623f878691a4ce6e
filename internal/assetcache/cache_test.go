package assetcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func decodeBrotli(t *testing.T, data []byte) string {
	t.Helper()
	r := brotli.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func decodeGzip(t *testing.T, data []byte) string {
	t.Helper()
	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestOpenAdmitsAndReturnsIdentityByDefault(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "hello world")

	c := New(Variables{})
	f, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, EncodingIdentity, f.Encoding)
	assert.Equal(t, "hello world", string(f.Bytes))
}

func TestOpenProducesDecodableBrotliAndGzip(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "the quick brown fox jumps over the lazy dog, repeatedly, to compress well")

	c := New(Variables{})
	brFile, err := c.Open(context.Background(), path, []string{"br"})
	require.NoError(t, err)
	assert.Equal(t, EncodingBrotli, brFile.Encoding)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog, repeatedly, to compress well", decodeBrotli(t, brFile.Bytes))

	gzFile, err := c.Open(context.Background(), path, []string{"gzip"})
	require.NoError(t, err)
	assert.Equal(t, EncodingGzip, gzFile.Encoding)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog, repeatedly, to compress well", decodeGzip(t, gzFile.Bytes))
}

func TestSelectEncodingPrefersFirstAcceptedInOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "content")

	c := New(Variables{})
	f, err := c.Open(context.Background(), path, []string{"deflate", "br"})
	require.NoError(t, err)
	assert.Equal(t, EncodingDeflate, f.Encoding)
}

func TestBestAcceptDefersToSmallestEncoding(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	c := New(Variables{})
	f, err := c.Open(context.Background(), path, []string{"best"})
	require.NoError(t, err)
	assert.NotEqual(t, EncodingIdentity, f.Encoding)
}

func TestSubstitutionAppliesToHTMLAndManifestJSON(t *testing.T) {
	dir := t.TempDir()
	htmlPath := writeTempFile(t, dir, "page.html", "<title>__SERVER_NAME__</title><base href=__BASE_URL__>")
	manifestPath := writeTempFile(t, dir, "manifest.json", `{"name":"__SERVER_NAME__"}`)
	otherJSONPath := writeTempFile(t, dir, "other.json", `{"name":"__SERVER_NAME__"}`)

	c := New(Variables{ServerName: "lantern", BaseURL: "https://example.test"})

	htmlFile, err := c.Open(context.Background(), htmlPath, []string{"identity"})
	require.NoError(t, err)
	assert.Contains(t, string(htmlFile.Bytes), "<title>lantern</title>")
	assert.Contains(t, string(htmlFile.Bytes), "https://example.test")

	manifestFile, err := c.Open(context.Background(), manifestPath, []string{"identity"})
	require.NoError(t, err)
	assert.Contains(t, string(manifestFile.Bytes), `"name":"lantern"`)

	otherFile, err := c.Open(context.Background(), otherJSONPath, []string{"identity"})
	require.NoError(t, err)
	assert.Contains(t, string(otherFile.Bytes), "__SERVER_NAME__", "a non-manifest .json file must not be substituted")
}

func TestHitWithinRefreshIntervalSkipsRestat(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "v1")

	c := New(Variables{})
	c.RefreshInterval = time.Hour

	f1, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(f1.Bytes))

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	f2, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(f2.Bytes), "a hit within the refresh interval must not re-stat the source")
}

func TestStaleHitWithUnchangedModTimeIsTouchedNotReadmitted(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "v1")

	c := New(Variables{})
	c.RefreshInterval = 0 // always past the refresh interval

	_, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)

	f, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(f.Bytes))
}

func TestStaleHitWithChangedModTimeReadmits(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "v1")

	c := New(Variables{})
	c.RefreshInterval = 0

	_, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	require.NoError(t, os.Chtimes(path, future, future))

	f, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(f.Bytes))
}

func TestCleanupEvictsUncheckedEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "v1")

	c := New(Variables{})
	_, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)

	c.Cleanup(time.Now().Add(time.Hour))

	sh := c.shardFor(path)
	sh.mu.Lock()
	_, exists := sh.entries[path]
	sh.mu.Unlock()
	assert.False(t, exists)
}

func TestClearRemovesAllEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "index.txt", "v1")

	c := New(Variables{})
	_, err := c.Open(context.Background(), path, nil)
	require.NoError(t, err)

	c.Clear()

	sh := c.shardFor(path)
	sh.mu.Lock()
	_, exists := sh.entries[path]
	sh.mu.Unlock()
	assert.False(t, exists)
}
