// Package assetcache serves the gateway's static HTTP surface (HTML,
// JSON manifests, JS bundles) with pre-encoded Brotli/Gzip/Deflate
// representations, admitting an entry on first miss and re-validating
// it against the source file's mtime on a configurable interval.
//
// Grounded on the original's layers/server/src/web/file_cache.rs
// (MainFileCache: CHashMap<PathBuf, CacheEntry>, synchronous Brotli/
// Deflate/Gzip compression on admission, AhoCorasick variable
// substitution, re-stat-on-stale-hit revalidation, periodic cleanup
// sweep) reworked onto a sharded Go map guarded by per-shard RWMutex,
// matching the same concurrent-map idiom internal/permcache already
// establishes for this port.
package assetcache

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/andybalholm/brotli"

	"github.com/lanternfabric/core/internal/logger"
)

// Encoding identifies one of the pre-computed representations an entry
// holds.
type Encoding int

const (
	EncodingIdentity Encoding = iota
	EncodingBrotli
	EncodingGzip
	EncodingDeflate
)

func (e Encoding) String() string {
	switch e {
	case EncodingBrotli:
		return "br"
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	default:
		return "identity"
	}
}

// warnSourceSize is the threshold past which admitting a source file
// logs a warning, matching the original's 10 MiB note.
const warnSourceSize = 10 * 1024 * 1024

// Variables holds the four substitution values §4.6 names; each is
// whole-token replaced in html/manifest.json files before compression.
type Variables struct {
	Config     string
	BaseURL    string
	ServerName string
	CDNDomain  string
}

var substitutionTokens = []string{"__CONFIG__", "__BASE_URL__", "__SERVER_NAME__", "__CDN_DOMAIN__"}

func substitute(content []byte, vars Variables) []byte {
	replacer := strings.NewReplacer(
		substitutionTokens[0], vars.Config,
		substitutionTokens[1], vars.BaseURL,
		substitutionTokens[2], vars.ServerName,
		substitutionTokens[3], vars.CDNDomain,
	)
	return []byte(replacer.Replace(string(content)))
}

func needsSubstitution(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".html" {
		return true
	}
	base := filepath.Base(path)
	return ext == ".json" && strings.TrimSuffix(base, ext) == "manifest"
}

type entry struct {
	identity []byte
	brotli   []byte
	gzip     []byte
	deflate  []byte
	best     Encoding

	modified    time.Time
	lastChecked time.Time
}

func (e *entry) bytesFor(enc Encoding) []byte {
	switch enc {
	case EncodingBrotli:
		return e.brotli
	case EncodingGzip:
		return e.gzip
	case EncodingDeflate:
		return e.deflate
	default:
		return e.identity
	}
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Cache is the gateway-process-wide compressed asset cache.
type Cache struct {
	shards [shardCount]*shard

	// RefreshInterval is how long a hit is trusted before the source is
	// re-stat'd; CleanupAfter is how long an untouched entry survives a
	// cleanup sweep. New sets them to the original's release-mode values
	// (120s / 24h); a zero RefreshInterval makes every hit re-stat the
	// source.
	RefreshInterval time.Duration
	CleanupAfter    time.Duration

	Variables Variables

	// admitSem bounds how many files can be compressing concurrently
	// tree-wide, so a burst of distinct first-time misses can't each
	// spawn three CPU-bound goroutines and saturate every core at once.
	admitSem *semaphore.Weighted
}

// New constructs an empty Cache.
func New(vars Variables) *Cache {
	c := &Cache{
		RefreshInterval: 120 * time.Second,
		CleanupAfter:    24 * time.Hour,
		Variables:       vars,
		admitSem:        semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return c
}

func (c *Cache) shardFor(path string) *shard {
	var h uint32
	for i := 0; i < len(path); i++ {
		h = h*31 + uint32(path[i])
	}
	return c.shards[h%shardCount]
}

// File is one admitted (or already-cached) asset, chosen in the
// encoding negotiated against an Accept-Encoding preference list.
type File struct {
	Bytes    []byte
	Encoding Encoding
	Modified time.Time
}

// Open returns path's content in the best encoding accepts allows,
// admitting or re-validating the cache entry as needed. accepts is an
// ordered list of client-preferred codings ("br", "gzip", "deflate",
// "identity", "best"); "best" defers to the entry's precomputed
// smallest encoding.
func (c *Cache) Open(ctx context.Context, path string, accepts []string) (*File, error) {
	sh := c.shardFor(path)

	sh.mu.Lock()
	e, ok := sh.entries[path]
	sh.mu.Unlock()

	if ok {
		if time.Since(e.lastChecked) <= c.RefreshInterval {
			return c.selectEncoding(e, accepts), nil
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.ModTime().Equal(e.modified) {
			sh.mu.Lock()
			e.lastChecked = time.Now()
			sh.mu.Unlock()
			return c.selectEncoding(e, accepts), nil
		}
		// Fall through to re-admit: the source changed since last check.
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Re-check under the shard lock: a concurrent Open may have admitted
	// this path while we waited.
	if e, ok := sh.entries[path]; ok && time.Since(e.lastChecked) <= c.RefreshInterval {
		return c.selectEncoding(e, accepts), nil
	}

	admitted, err := c.admit(ctx, path)
	if err != nil {
		return nil, err
	}
	sh.entries[path] = admitted
	return c.selectEncoding(admitted, accepts), nil
}

func (c *Cache) admit(ctx context.Context, path string) (*entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, os.ErrNotExist
	}
	if info.Size() > warnSourceSize {
		logger.AssetCache().Warn().Str("path", path).Int64("bytes", info.Size()).
			Msg("caching source file larger than 10MiB")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if needsSubstitution(path) {
		content = substitute(content, c.Variables)
	}

	if err := c.admitSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.admitSem.Release(1)

	var br, gz, df []byte
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) { br, err = compressBrotli(content); return })
	g.Go(func() (err error) { gz, err = compressGzip(content); return })
	g.Go(func() (err error) { df, err = compressDeflate(content); return })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := EncodingBrotli
	bestLen := len(br)
	if len(df) < bestLen {
		best, bestLen = EncodingDeflate, len(df)
	}
	if len(gz) < bestLen {
		best = EncodingGzip
	}

	now := time.Now()
	return &entry{
		identity:    content,
		brotli:      br,
		gzip:        gz,
		deflate:     df,
		best:        best,
		modified:    info.ModTime(),
		lastChecked: now,
	}, nil
}

// selectEncoding picks the first of accepts present on e, "best"
// deferring to e.best; identity is always available as the fallback.
func (c *Cache) selectEncoding(e *entry, accepts []string) *File {
	for _, pref := range accepts {
		switch strings.ToLower(pref) {
		case "best":
			return &File{Bytes: e.bytesFor(e.best), Encoding: e.best, Modified: e.modified}
		case "br", "brotli":
			return &File{Bytes: e.brotli, Encoding: EncodingBrotli, Modified: e.modified}
		case "gzip":
			return &File{Bytes: e.gzip, Encoding: EncodingGzip, Modified: e.modified}
		case "deflate":
			return &File{Bytes: e.deflate, Encoding: EncodingDeflate, Modified: e.modified}
		case "identity":
			return &File{Bytes: e.identity, Encoding: EncodingIdentity, Modified: e.modified}
		}
	}
	return &File{Bytes: e.identity, Encoding: EncodingIdentity, Modified: e.modified}
}

// Clear evicts every cached entry.
func (c *Cache) Clear() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
}

// Cleanup evicts every entry not checked since before cutoff, mirroring
// the original's MainFileCache::cleanup sweep.
func (c *Cache) Cleanup(cutoff time.Time) {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for path, e := range sh.entries {
			if e.lastChecked.Before(cutoff) {
				delete(sh.entries, path)
			}
		}
		sh.mu.Unlock()
	}
}

// RunCleanupLoop runs Cleanup every interval until stop is closed.
func (c *Cache) RunCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.Cleanup(now.Add(-c.CleanupAfter))
		case <-stop:
			return
		}
	}
}

func compressBrotli(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressGzip(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressDeflate(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
