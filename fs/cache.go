package fs

import (
	"context"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jeffh/vfspreload/ninep"
)

const (
	DefaultStatCacheSize = 1024
	DefaultStatCacheTTL  = 2 * time.Second
)

type CacheOption func(c *cachedStatFileSystem)

// WithMaxStatCache caps the number of cached Stat results.
func WithMaxStatCache(n int) CacheOption {
	return func(c *cachedStatFileSystem) { c.size = n }
}

// WithStatTTL bounds how long a cached Stat stays valid. Zero disables expiry.
func WithStatTTL(d time.Duration) CacheOption {
	return func(c *cachedStatFileSystem) { c.ttl = d }
}

type statEntry struct {
	info    os.FileInfo
	expires time.Time
}

type cachedStatFileSystem struct {
	ninep.FileSystem
	size  int
	ttl   time.Duration
	now   func() time.Time
	stats *lru.Cache[string, statEntry]
}

// CachedStat memoizes Stat results of the underlying file system. Every
// preloaded open walks the full path, so a slow backend (sftp, s3) sees the
// same Stats repeatedly. Opening a file for writing drops its entry.
func CachedStat(fsys ninep.FileSystem, opts ...CacheOption) ninep.FileSystem {
	c := &cachedStatFileSystem{
		FileSystem: fsys,
		size:       DefaultStatCacheSize,
		ttl:        DefaultStatCacheTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.size <= 0 {
		c.size = DefaultStatCacheSize
	}
	stats, err := lru.New[string, statEntry](c.size)
	if err != nil {
		panic(err)
	}
	c.stats = stats
	return c
}

func (c *cachedStatFileSystem) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	path = cleanPath(path)
	if e, ok := c.stats.Get(path); ok {
		if c.ttl == 0 || c.now().Before(e.expires) {
			return e.info, nil
		}
		c.stats.Remove(path)
	}
	info, err := c.FileSystem.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	c.stats.Add(path, statEntry{info: info, expires: c.now().Add(c.ttl)})
	return info, nil
}

func (c *cachedStatFileSystem) OpenFile(ctx context.Context, path string, flag ninep.OpenMode) (ninep.FileHandle, error) {
	if flag.IsWriteable() || flag&ninep.OTRUNC != 0 {
		c.stats.Remove(cleanPath(path))
	}
	return c.FileSystem.OpenFile(ctx, path, flag)
}
