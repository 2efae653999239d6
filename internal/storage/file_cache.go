// internal/storage/file_cache.go
package storage

import (
	"sort"
	"sync"
	"time"
)

// ImageCache 图像内存缓存，按来源地址索引
type ImageCache struct {
	cache      map[string]*ImageCacheEntry
	mutex      sync.RWMutex
	maxSize    int
	expiration time.Duration
}

// ImageCacheEntry 缓存条目
type ImageCacheEntry struct {
	Data        []byte
	ContentType string
	CreatedAt   time.Time
	LastRead    time.Time
}

// NewImageCache 创建缓存，零值时默认 64 条、10 分钟
func NewImageCache(maxSize int, expiration time.Duration) *ImageCache {
	if maxSize <= 0 {
		maxSize = 64
	}
	if expiration <= 0 {
		expiration = 10 * time.Minute
	}

	return &ImageCache{
		cache:      make(map[string]*ImageCacheEntry),
		maxSize:    maxSize,
		expiration: expiration,
	}
}

// Get 获取未过期的缓存
func (c *ImageCache) Get(url string) ([]byte, string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.cache[url]
	if !exists {
		return nil, "", false
	}
	if time.Since(entry.CreatedAt) > c.expiration {
		delete(c.cache, url)
		return nil, "", false
	}

	entry.LastRead = time.Now()
	return entry.Data, entry.ContentType, true
}

// Put 写入缓存，已满时淘汰最久未读取的条目
func (c *ImageCache) Put(url string, data []byte, contentType string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	c.cache[url] = &ImageCacheEntry{
		Data:        data,
		ContentType: contentType,
		CreatedAt:   now,
		LastRead:    now,
	}

	if len(c.cache) > c.maxSize {
		c.cleanupLRU(max(1, c.maxSize/5))
	}
}

// Delete 删除缓存条目
func (c *ImageCache) Delete(url string) {
	c.mutex.Lock()
	delete(c.cache, url)
	c.mutex.Unlock()
}

// Clear 清空缓存
func (c *ImageCache) Clear() {
	c.mutex.Lock()
	c.cache = make(map[string]*ImageCacheEntry)
	c.mutex.Unlock()
}

// Len 缓存条目数
func (c *ImageCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}

// cleanupLRU 清理最久未读取的条目，调用方需持有锁
func (c *ImageCache) cleanupLRU(count int) {
	type keyAge struct {
		key  string
		time time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.LastRead})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	for i := 0; i < min(count, len(entries)); i++ {
		delete(c.cache, entries[i].key)
	}
}
