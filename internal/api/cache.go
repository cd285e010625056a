package api

import (
	"fmt"
	"sync"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"
)

const diskCacheSizeMax = 64 << 20

// resettableCache lets the whole cache be dropped, which httpcache.Cache
// has no operation for.
type resettableCache struct {
	mu    sync.RWMutex
	inner httpcache.Cache
	erase func() error
	open  func() (httpcache.Cache, func() error)
}

var _ httpcache.Cache = (*resettableCache)(nil)

func newResettableCache(open func() (httpcache.Cache, func() error)) *resettableCache {
	inner, erase := open()
	return &resettableCache{inner: inner, erase: erase, open: open}
}

func (r *resettableCache) Get(key string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inner.Get(key)
}

func (r *resettableCache) Set(key string, value []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.inner.Set(key, value)
}

func (r *resettableCache) Delete(key string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.inner.Delete(key)
}

// Reset erases the backing store and starts over with an empty cache.
func (r *resettableCache) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.erase != nil {
		if err := r.erase(); err != nil {
			return fmt.Errorf("failed to erase response cache: %w", err)
		}
	}
	r.inner, r.erase = r.open()
	return nil
}

func memoryCache() (httpcache.Cache, func() error) {
	return httpcache.NewMemoryCache(), nil
}

func diskCache(dir string) func() (httpcache.Cache, func() error) {
	return func() (httpcache.Cache, func() error) {
		d := diskv.New(diskv.Options{
			BasePath:     dir,
			CacheSizeMax: diskCacheSizeMax,
		})
		return diskcache.NewWithDiskv(d), d.EraseAll
	}
}
