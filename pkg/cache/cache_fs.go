package cache

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/parxlib/parx/pkg/log"
	"github.com/parxlib/parx/pkg/utils"
	"github.com/spf13/afero"
)

// A filesystem backed cache. Entries are zstd compressed objects stored
// under sharded paths derived from the key digest. Writes go to a temporary
// file which is renamed into place, so concurrent readers never observe a
// partially written entry.
type fsCache struct {
	mu sync.Mutex

	fs      afero.Fs
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	stats   Stats
}

// Create a cache on the given filesystem. Existing entries are counted and
// served, so a cache directory survives executor restarts.
func NewFsCache(filesystem afero.Fs) (Cache, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	cache := &fsCache{
		fs:      filesystem,
		encoder: encoder,
		decoder: decoder,
	}

	if err := cache.load(); err != nil {
		return nil, err
	}

	return cache, nil
}

// Create a cache rooted at a directory of the host filesystem.
func NewDirCache(directory string) (Cache, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(directory, 0777); err != nil {
		return nil, err
	}
	return NewFsCache(afero.NewBasePathFs(osFs, directory))
}

func (c *fsCache) pathFromKey(key utils.Digest) string {
	hex := key.Hex()
	return path.Join("objects", hex[:2], hex[2:6], hex[6:])
}

func (c *fsCache) Has(key utils.Digest) bool {
	_, err := c.fs.Stat(c.pathFromKey(key))
	return err == nil
}

func (c *fsCache) Get(key utils.Digest) ([]byte, bool, error) {
	compressed, err := afero.ReadFile(c.fs, c.pathFromKey(key))
	if err != nil {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false, nil
	}

	value, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}

	c.count(func(s *Stats) { s.Hits++ })
	return value, true, nil
}

func (c *fsCache) Put(key utils.Digest, value []byte) error {
	target := c.pathFromKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	// First writer wins, later identical submissions read instead.
	if _, err := c.fs.Stat(target); err == nil {
		return nil
	}

	if err := c.fs.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return err
	}

	file, err := afero.TempFile(c.fs, filepath.Dir(target), "")
	if err != nil {
		return err
	}

	compressed := c.encoder.EncodeAll(value, nil)
	if _, err := file.Write(compressed); err != nil {
		file.Close()
		c.fs.Remove(file.Name())
		return err
	}

	if err := file.Close(); err != nil {
		c.fs.Remove(file.Name())
		return err
	}

	if err := c.fs.Rename(file.Name(), target); err != nil {
		c.fs.Remove(file.Name())
		return err
	}

	c.stats.Writes++
	c.stats.Entries++

	log.Tracef("cache - stored %s (%s)", key, utils.HumanByteSize(int64(len(compressed))))
	return nil
}

func (c *fsCache) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *fsCache) count(update func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.stats)
}

func (c *fsCache) load() error {
	count := int64(0)

	err := afero.Walk(c.fs, ".", func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if path == "." {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	c.stats.Entries = count

	if count > 0 {
		log.Infof("cache - loaded %d entries from storage", count)
	}
	return nil
}
