package server

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"cencstrip/utils"
)

const (
	dataExt = ".cenc-data"
	metaExt = ".cenc-meta"
)

// Metadata is stored next to every cached segment.
type Metadata struct {
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
}

func saveMetadata(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func loadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

type cacheItem struct {
	Data     []byte
	Metadata Metadata
}

type fileTask struct {
	key  string
	item cacheItem
}

// SegmentCache keeps decrypted segments in memory and optionally on disk.
// A negative TTL disables a tier and a zero TTL never expires. Files are
// written by a background worker; a full queue drops the write.
type SegmentCache struct {
	mem     *cache.Cache
	dir     string
	memTTL  time.Duration
	fileTTL time.Duration
	logger  *slog.Logger

	mu        sync.RWMutex
	writeChan chan fileTask
	wg        sync.WaitGroup
	stopCh    chan struct{}
	closeOnce sync.Once
}

func NewSegmentCache(dir string, memTTL, fileTTL time.Duration, logger *slog.Logger) (*SegmentCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SegmentCache{
		mem:       cache.New(goCacheTTL(memTTL), 10*time.Minute),
		dir:       dir,
		memTTL:    memTTL,
		fileTTL:   fileTTL,
		logger:    logger,
		writeChan: make(chan fileTask, 100),
		stopCh:    make(chan struct{}),
	}
	if fileTTL >= 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		c.wg.Add(1)
		go c.writeWorker()
		if fileTTL > 0 {
			c.wg.Add(1)
			go c.cleanupLoop(30 * time.Second)
		}
	}
	return c, nil
}

func goCacheTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return cache.NoExpiration
	}
	return ttl
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileNameFromKey is <last path element of the key>_<md5(key)>.
func fileNameFromKey(key string) string {
	base, _, _ := strings.Cut(key, "?")
	base = unsafeName.ReplaceAllString(filepath.Base(base), "_")
	h := md5.Sum([]byte(key))
	return base + "_" + hex.EncodeToString(h[:])
}

func (c *SegmentCache) writeWorker() {
	defer c.wg.Done()
	for {
		select {
		case task := <-c.writeChan:
			c.writeFile(task.key, task.item)
		case <-c.stopCh:
			for {
				select {
				case task := <-c.writeChan:
					c.writeFile(task.key, task.item)
				default:
					return
				}
			}
		}
	}
}

// writeFile writes through temporary files and renames them into place.
func (c *SegmentCache) writeFile(key string, item cacheItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataPath := filepath.Join(c.dir, key+dataExt)
	metaPath := filepath.Join(c.dir, key+metaExt)
	tmpData := dataPath + ".tmp"
	tmpMeta := metaPath + ".tmp"

	if err := os.WriteFile(tmpData, item.Data, 0o644); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	if err := os.Rename(tmpData, dataPath); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	item.Metadata.Size = int64(len(item.Data))
	if err := saveMetadata(tmpMeta, item.Metadata); err == nil {
		_ = os.Rename(tmpMeta, metaPath)
	}
}

func (c *SegmentCache) Set(key string, data []byte, meta Metadata) {
	if c.memTTL < 0 && c.fileTTL < 0 {
		return
	}
	key = fileNameFromKey(key)
	meta.Size = int64(len(data))
	item := cacheItem{Data: data, Metadata: meta}
	if c.memTTL >= 0 {
		c.mem.Set(key, item, goCacheTTL(c.memTTL))
	}
	if c.fileTTL >= 0 {
		select {
		case c.writeChan <- fileTask{key: key, item: item}:
		default:
			c.logger.Debug("cache write queue full", "url", meta.URL)
		}
	}
}

// Get looks in memory first, then on disk. A disk hit is promoted back to
// memory.
func (c *SegmentCache) Get(key string) ([]byte, Metadata, bool) {
	key = fileNameFromKey(key)
	if v, ok := c.mem.Get(key); ok {
		item := v.(cacheItem)
		return item.Data, item.Metadata, true
	}
	if c.fileTTL < 0 {
		return nil, Metadata{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	dataPath := filepath.Join(c.dir, key+dataExt)
	metaPath := filepath.Join(c.dir, key+metaExt)
	info, err := os.Stat(dataPath)
	if err != nil {
		return nil, Metadata{}, false
	}
	if c.fileTTL > 0 && time.Since(info.ModTime()) > c.fileTTL {
		return nil, Metadata{}, false
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, Metadata{}, false
	}
	meta, err := loadMetadata(metaPath)
	if err != nil {
		return nil, Metadata{}, false
	}
	if c.memTTL >= 0 {
		c.mem.Set(key, cacheItem{Data: data, Metadata: *meta}, goCacheTTL(c.memTTL))
	}
	return data, *meta, true
}

func (c *SegmentCache) Delete(key string) {
	key = fileNameFromKey(key)
	c.mem.Delete(key)
	if c.fileTTL < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = os.Remove(filepath.Join(c.dir, key+dataExt))
	_ = os.Remove(filepath.Join(c.dir, key+metaExt))
}

// cleanupLoop removes expired files every interval.
func (c *SegmentCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired(time.Now())
		}
	}
}

func (c *SegmentCache) removeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, _ := os.ReadDir(c.dir)
	removed := 0
	for _, f := range files {
		ext := filepath.Ext(f.Name())
		if ext != dataExt && ext != metaExt {
			continue
		}
		path := filepath.Join(c.dir, f.Name())
		info, err := os.Stat(path)
		if err == nil && now.Sub(info.ModTime()) > c.fileTTL {
			if os.Remove(path) == nil {
				removed++
			}
		}
	}
	return removed
}

// Close stops the background workers after the pending writes are done.
func (c *SegmentCache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
}

type CacheSummary struct {
	Count          int    `json:"count"`
	TotalSize      string `json:"total_size"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

func summary(count int, size int64) CacheSummary {
	return CacheSummary{Count: count, TotalSize: utils.FormatSize(size), TotalSizeBytes: size}
}

type CacheReport struct {
	Memory CacheSummary `json:"memory"`
	File   CacheSummary `json:"file"`
	Total  CacheSummary `json:"total"`
	// Inits counts cached init segment and manifest entries.
	Inits    int `json:"inits"`
	InFlight int `json:"in_flight"`
}

// Report counts the segments held by each tier.
func (c *SegmentCache) Report() CacheReport {
	var memCount, fileCount int
	var memSize, fileSize int64
	for _, v := range c.mem.Items() {
		memCount++
		memSize += int64(len(v.Object.(cacheItem).Data))
	}
	if c.fileTTL >= 0 {
		c.mu.RLock()
		files, _ := os.ReadDir(c.dir)
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != metaExt {
				continue
			}
			if meta, err := loadMetadata(filepath.Join(c.dir, f.Name())); err == nil {
				fileCount++
				fileSize += meta.Size
			}
		}
		c.mu.RUnlock()
	}
	return CacheReport{
		Memory: summary(memCount, memSize),
		File:   summary(fileCount, fileSize),
		Total:  summary(memCount+fileCount, memSize+fileSize),
	}
}
