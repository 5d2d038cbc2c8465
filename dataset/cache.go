package dataset

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/vesselab/vesstrain/augment"
)

// CachedDataset wraps a Dataset with an in-memory LRU cache of decoded
// samples, so repeated epochs skip file decoding. Returned samples are
// clones; callers may mutate them freely. Safe for concurrent use by
// loader workers.
type CachedDataset struct {
	base Dataset

	mu      sync.Mutex
	cache   map[int]cachedSample
	lru     *list.List
	lruMap  map[int]*list.Element
	maxSize int

	hits   int64
	misses int64
}

type cachedSample struct {
	img  augment.Image
	mask augment.Mask
}

// NewCachedDataset caches up to maxSamples decoded samples of base. A
// maxSamples of zero or less caches the whole dataset.
func NewCachedDataset(base Dataset, maxSamples int) *CachedDataset {
	if maxSamples <= 0 {
		maxSamples = base.Len()
	}
	return &CachedDataset{
		base:    base,
		cache:   make(map[int]cachedSample),
		lru:     list.New(),
		lruMap:  make(map[int]*list.Element),
		maxSize: maxSamples,
	}
}

// Len implements Dataset.
func (cd *CachedDataset) Len() int {
	return cd.base.Len()
}

// Get implements Dataset, serving from the cache when possible.
func (cd *CachedDataset) Get(idx int) (augment.Image, augment.Mask, error) {
	cd.mu.Lock()
	if sample, ok := cd.cache[idx]; ok {
		if elem, ok := cd.lruMap[idx]; ok {
			cd.lru.MoveToFront(elem)
		}
		cd.hits++
		cd.mu.Unlock()
		return sample.img.Clone(), sample.mask.Clone(), nil
	}
	cd.misses++
	cd.mu.Unlock()

	img, mask, err := cd.base.Get(idx)
	if err != nil {
		return augment.Image{}, augment.Mask{}, err
	}
	cd.put(idx, img, mask)
	return img, mask, nil
}

func (cd *CachedDataset) put(idx int, img augment.Image, mask augment.Mask) {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	if _, exists := cd.cache[idx]; exists {
		if elem, ok := cd.lruMap[idx]; ok {
			cd.lru.MoveToFront(elem)
		}
		return
	}

	elem := cd.lru.PushFront(idx)
	cd.lruMap[idx] = elem
	cd.cache[idx] = cachedSample{img: img.Clone(), mask: mask.Clone()}

	for len(cd.cache) > cd.maxSize && cd.lru.Len() > 0 {
		oldest := cd.lru.Back()
		if oldest == nil {
			break
		}
		key := oldest.Value.(int)
		cd.lru.Remove(oldest)
		delete(cd.lruMap, key)
		delete(cd.cache, key)
	}
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
}

// HitRate returns the fraction of lookups served from the cache.
func (cs CacheStats) HitRate() float64 {
	total := cs.Hits + cs.Misses
	if total == 0 {
		return 0
	}
	return float64(cs.Hits) / float64(total)
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("cache: %d/%d items, %d hits, %d misses (%.1f%% hit rate)",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate()*100)
}

// Stats returns a snapshot of cache statistics.
func (cd *CachedDataset) Stats() CacheStats {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return CacheStats{
		Size:    len(cd.cache),
		MaxSize: cd.maxSize,
		Hits:    cd.hits,
		Misses:  cd.misses,
	}
}

// Clear drops all cached samples and statistics.
func (cd *CachedDataset) Clear() {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	cd.cache = make(map[int]cachedSample)
	cd.lru = list.New()
	cd.lruMap = make(map[int]*list.Element)
	cd.hits = 0
	cd.misses = 0
}
