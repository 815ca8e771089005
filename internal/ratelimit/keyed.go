package ratelimit

import (
	"container/list"
	"sync"
)

const defaultMaxKeys = 4096

// KeyedLimiter holds one token bucket per key (for example a client IP). The
// number of buckets is bounded; the least recently used bucket is evicted
// when a new key arrives at the bound.
type KeyedLimiter struct {
	clock    Clock
	capacity int64
	rate     int64
	maxKeys  int

	// onEvict is invoked once per evicted bucket, outside of mu.
	onEvict func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

type KeyedConfig struct {
	Clock Clock
	// Burst is the bucket capacity. Zero defaults to Rate.
	Burst int64
	// Rate is the refill rate in tokens/sec. A value <= 0 disables limiting.
	Rate    int64
	MaxKeys int
	OnEvict func()
}

func NewKeyedLimiter(cfg KeyedConfig) *KeyedLimiter {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Rate
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	return &KeyedLimiter{
		clock:    cfg.Clock,
		capacity: cfg.Burst,
		rate:     cfg.Rate,
		maxKeys:  cfg.MaxKeys,
		onEvict:  cfg.OnEvict,
		buckets:  make(map[string]*keyedEntry),
		lru:      list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	return l.bucket(key).Allow(1)
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	var evicted bool

	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	if len(l.buckets) >= l.maxKeys {
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.buckets, elem.Value.(string))
			evicted = true
		}
	}

	b := NewTokenBucket(l.clock, l.capacity, l.rate)
	l.buckets[key] = &keyedEntry{bucket: b, elem: l.lru.PushFront(key)}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return b
}
