// Package segmap implements the segmented concurrent map: a sharded hash
// table built from many independent baremap.BareMap segments, each
// guarded by its own lock, plus a per-thread staging cache that absorbs
// writes when a segment's lock is contended. This is the fine-grained
// locking layer; internal/distmap builds the
// cross-process distributed map on top of it.
package segmap

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/hpmr/torua/internal/baremap"
)

// segmentsPerThread is the fixed fan-out from thread count to segment
// count: seven segments per thread keeps lock collisions improbable
// without making individual segment tables too small to rehash
// efficiently.
const segmentsPerThread = 7

// cacheLineSize mirrors golang.org/x/sys/cpu's CacheLinePad sizing, used
// below to keep adjacent segment locks from sharing a cache line under
// hot contention.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})

type segment[K comparable, V any] struct {
	mu   sync.Mutex
	data *baremap.BareMap[K, V]
	_    [cacheLineSize]byte
}

// SegmentedMap is a thread-safe hash table. Hash and equal are supplied
// at construction and shared by every segment and staging cache.
type SegmentedMap[K comparable, V any] struct {
	hash     func(K) uint64
	equal    func(a, b K) bool
	segments []*segment[K, V]
	staging  []*baremap.BareMap[K, V]
	nThreads uint64
	nSegs    uint64
}

// New creates a SegmentedMap sized for nThreads worker goroutines.
func New[K comparable, V any](hash func(K) uint64, equal func(a, b K) bool, nThreads int, maxLoadFactor float64) *SegmentedMap[K, V] {
	if nThreads < 1 {
		nThreads = 1
	}
	nSegs := uint64(nThreads) * segmentsPerThread

	m := &SegmentedMap[K, V]{
		hash:     hash,
		equal:    equal,
		nThreads: uint64(nThreads),
		nSegs:    nSegs,
	}

	segHash := func(k K) uint64 { return hash(k) / nSegs }
	m.segments = make([]*segment[K, V], nSegs)
	for i := range m.segments {
		m.segments[i] = &segment[K, V]{data: baremap.New[K, V](segHash, equal, maxLoadFactor)}
	}

	m.staging = make([]*baremap.BareMap[K, V], nThreads)
	for i := range m.staging {
		m.staging[i] = baremap.New[K, V](hash, equal, maxLoadFactor)
	}

	return m
}

// NThreads returns the staging cache count (the thread-parallelism width
// this map was constructed for).
func (m *SegmentedMap[K, V]) NThreads() int { return int(m.nThreads) }

// NSegments returns the segment count, always nThreads*7.
func (m *SegmentedMap[K, V]) NSegments() int { return int(m.nSegs) }

func (m *SegmentedMap[K, V]) segmentFor(hash uint64) (*segment[K, V], uint64) {
	segIdx := hash % m.nSegs
	return m.segments[segIdx], hash / m.nSegs
}

// Set commits value into the map, blocking on the target segment's lock.
func (m *SegmentedMap[K, V]) Set(key K, hash uint64, value V, reducer func(existing, incoming V) V) {
	seg, segHash := m.segmentFor(hash)
	seg.mu.Lock()
	seg.data.Set(key, segHash, value, reducer)
	seg.mu.Unlock()
}

// AsyncSet never blocks: it try-locks the target segment and commits
// directly on success, or falls back to the calling thread's staging
// cache (threadID) on contention. The staging cache stores the full,
// un-divided hash so a later Sync can re-route it through segmentFor.
func (m *SegmentedMap[K, V]) AsyncSet(threadID int, key K, hash uint64, value V, reducer func(existing, incoming V) V) {
	seg, segHash := m.segmentFor(hash)
	if seg.mu.TryLock() {
		seg.data.Set(key, segHash, value, reducer)
		seg.mu.Unlock()
		return
	}
	m.staging[threadID].Set(key, hash, value, reducer)
}

// Sync drains every thread's staging cache into its owning segment under
// that segment's lock, then clears the cache. Draining happens
// concurrently across threads; threads never contend with each other on
// their own staging cache (thread-private), only on segment locks they
// end up sharing.
func (m *SegmentedMap[K, V]) Sync(reducer func(existing, incoming V) V) {
	var wg sync.WaitGroup
	wg.Add(len(m.staging))
	for i := range m.staging {
		go func(cache *baremap.BareMap[K, V]) {
			defer wg.Done()
			cache.ForEach(func(key K, hash uint64, value V) {
				seg, segHash := m.segmentFor(hash)
				seg.mu.Lock()
				seg.data.Set(key, segHash, value, reducer)
				seg.mu.Unlock()
			})
			cache.Clear()
		}(m.staging[i])
	}
	wg.Wait()
}

// Unset removes key from the map, blocking on the target segment's lock.
func (m *SegmentedMap[K, V]) Unset(key K, hash uint64) {
	seg, segHash := m.segmentFor(hash)
	seg.mu.Lock()
	seg.data.Unset(key, segHash)
	seg.mu.Unlock()
}

// Get returns the value stored for key, or def if absent.
func (m *SegmentedMap[K, V]) Get(key K, hash uint64, def V) V {
	seg, segHash := m.segmentFor(hash)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return seg.data.Get(key, segHash, def)
}

// Has reports whether key is present.
func (m *SegmentedMap[K, V]) Has(key K, hash uint64) bool {
	seg, segHash := m.segmentFor(hash)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return seg.data.Has(key, segHash)
}

// Clear empties every segment. Locks are acquired in ascending segment
// index order, a fixed global order that makes Clear safe to call
// concurrently with itself without risking deadlock.
func (m *SegmentedMap[K, V]) Clear() {
	for _, seg := range m.segments {
		seg.mu.Lock()
	}
	for _, seg := range m.segments {
		seg.data.Clear()
	}
	for _, seg := range m.segments {
		seg.mu.Unlock()
	}
}

// ClearAndShrink empties every segment and resets each one's bucket
// array to the smallest cascade prime.
func (m *SegmentedMap[K, V]) ClearAndShrink() {
	for _, seg := range m.segments {
		seg.mu.Lock()
	}
	for _, seg := range m.segments {
		seg.data.ClearAndShrink()
	}
	for _, seg := range m.segments {
		seg.mu.Unlock()
	}
}

// Reserve distributes minKeys/NSegments to each segment and
// minKeys/1000 to each staging cache, a heuristic balancing "stagings
// should fit comfortably in cache" against "stagings should absorb
// bursts without needing an intervening rehash."
func (m *SegmentedMap[K, V]) Reserve(minKeys uint64) {
	perSegment := minKeys / m.nSegs
	for _, seg := range m.segments {
		seg.mu.Lock()
		seg.data.Reserve(perSegment)
		seg.mu.Unlock()
	}
	perThread := minKeys / 1000
	for _, cache := range m.staging {
		cache.Reserve(perThread)
	}
}

// NKeys returns the sum of every segment's committed key count. Staging
// caches are transient and not counted, matching the map's
// "committed keys" invariant.
func (m *SegmentedMap[K, V]) NKeys() uint64 {
	var total uint64
	for _, seg := range m.segments {
		seg.mu.Lock()
		total += seg.data.NKeys()
		seg.mu.Unlock()
	}
	return total
}

// NBuckets returns the sum of every segment's bucket count.
func (m *SegmentedMap[K, V]) NBuckets() uint64 {
	var total uint64
	for _, seg := range m.segments {
		seg.mu.Lock()
		total += seg.data.NBuckets()
		seg.mu.Unlock()
	}
	return total
}

// LoadFactor returns NKeys() / NBuckets() across the whole map.
func (m *SegmentedMap[K, V]) LoadFactor() float64 {
	return float64(m.NKeys()) / float64(m.NBuckets())
}

// ForEach visits every committed (key, hash, value) triple across all
// segments. Staging caches are not visited; call Sync first if pending
// async writes must be included.
func (m *SegmentedMap[K, V]) ForEach(visit func(key K, hash uint64, value V)) {
	for _, seg := range m.segments {
		seg.mu.Lock()
		// A segment's bare map hashes by hash/nSegs; report the key's full hash.
		seg.data.ForEach(func(key K, _ uint64, value V) {
			visit(key, m.hash(key), value)
		})
		seg.mu.Unlock()
	}
}
