// Package baremap implements a single-threaded, open-chaining hash table
// with prime-sized bucket arrays. It is not safe for concurrent use;
// internal/segmap builds the thread-safe, sharded table on top of many
// independent BareMap instances.
package baremap

import "github.com/hpmr/torua/internal/primes"

// DefaultMaxLoadFactor is the load factor a freshly constructed map uses
// when none is supplied.
const DefaultMaxLoadFactor = 1.0

type node[K comparable, V any] struct {
	key   K
	value V
	next  *node[K, V]
}

// BareMap is a single-threaded hash table. The hash function is fixed at
// construction and used internally whenever the table needs to
// recompute a key's placement (rehash). Every other operation also
// accepts a hash value explicitly, so callers that already computed
// hash(key) once (segmap routing, in particular) never pay for it
// twice; callers must ensure the hash they pass agrees with the
// constructor's hash function on that key.
type BareMap[K comparable, V any] struct {
	buckets       []*node[K, V]
	hash          func(K) uint64
	equal         func(a, b K) bool
	nKeys         uint64
	maxLoadFactor float64
}

// New creates an empty BareMap. hash and equal must be consistent: equal
// keys must hash identically. maxLoadFactor controls how full the table
// may get (n_keys / n_buckets) before a Set triggers a rehash; zero or
// negative selects DefaultMaxLoadFactor.
func New[K comparable, V any](hash func(K) uint64, equal func(a, b K) bool, maxLoadFactor float64) *BareMap[K, V] {
	if maxLoadFactor <= 0 {
		maxLoadFactor = DefaultMaxLoadFactor
	}
	return &BareMap[K, V]{
		buckets:       make([]*node[K, V], primes.SmallestBucketCount),
		hash:          hash,
		equal:         equal,
		maxLoadFactor: maxLoadFactor,
	}
}

// Reserve ensures the map has enough buckets to hold minKeys keys at the
// configured max load factor without an intervening rehash.
func (m *BareMap[K, V]) Reserve(minKeys uint64) {
	want := primes.PickBucketCount(uint64(float64(minKeys)/m.maxLoadFactor), 1.0)
	if want > uint64(len(m.buckets)) {
		m.rehash(want)
	}
}

// Set applies reducer(existing, value) to the node for key if one
// already exists in the bucket identified by hash, or inserts a new
// node holding value otherwise.
func (m *BareMap[K, V]) Set(key K, hash uint64, value V, reducer func(existing, incoming V) V) {
	idx := hash % uint64(len(m.buckets))
	for n := m.buckets[idx]; n != nil; n = n.next {
		if m.equal(n.key, key) {
			n.value = reducer(n.value, value)
			return
		}
	}
	m.buckets[idx] = &node[K, V]{key: key, value: value, next: m.buckets[idx]}
	m.nKeys++
	if float64(m.nKeys) > float64(len(m.buckets))*m.maxLoadFactor {
		m.rehash(primes.PickBucketCount(uint64(float64(m.nKeys)/m.maxLoadFactor), 1.0))
	}
}

// Unset removes the node for key, if present, splicing its successor
// into its slot.
func (m *BareMap[K, V]) Unset(key K, hash uint64) {
	idx := hash % uint64(len(m.buckets))
	var prev *node[K, V]
	for n := m.buckets[idx]; n != nil; n = n.next {
		if m.equal(n.key, key) {
			if prev == nil {
				m.buckets[idx] = n.next
			} else {
				prev.next = n.next
			}
			m.nKeys--
			return
		}
		prev = n
	}
}

// Get returns the value stored for key, or def if the key is absent.
func (m *BareMap[K, V]) Get(key K, hash uint64, def V) V {
	idx := hash % uint64(len(m.buckets))
	for n := m.buckets[idx]; n != nil; n = n.next {
		if m.equal(n.key, key) {
			return n.value
		}
	}
	return def
}

// Has reports whether key is present in the map.
func (m *BareMap[K, V]) Has(key K, hash uint64) bool {
	idx := hash % uint64(len(m.buckets))
	for n := m.buckets[idx]; n != nil; n = n.next {
		if m.equal(n.key, key) {
			return true
		}
	}
	return false
}

// Clear empties the map without shrinking the bucket array.
func (m *BareMap[K, V]) Clear() {
	for i := range m.buckets {
		m.buckets[i] = nil
	}
	m.nKeys = 0
}

// ClearAndShrink empties the map and resets its bucket array to the
// smallest cascade prime.
func (m *BareMap[K, V]) ClearAndShrink() {
	m.buckets = make([]*node[K, V], primes.SmallestBucketCount)
	m.nKeys = 0
}

// ForEach visits every (key, hash, value) triple in the map in
// unspecified order. visit must not mutate the map.
func (m *BareMap[K, V]) ForEach(visit func(key K, hash uint64, value V)) {
	for _, head := range m.buckets {
		for n := head; n != nil; n = n.next {
			visit(n.key, m.hash(n.key), n.value)
		}
	}
}

// NKeys returns the number of keys currently stored.
func (m *BareMap[K, V]) NKeys() uint64 { return m.nKeys }

// NBuckets returns the current bucket array length.
func (m *BareMap[K, V]) NBuckets() uint64 { return uint64(len(m.buckets)) }

// LoadFactor returns n_keys / n_buckets.
func (m *BareMap[K, V]) LoadFactor() float64 {
	return float64(m.nKeys) / float64(len(m.buckets))
}

// MaxLoadFactor returns the configured max load factor.
func (m *BareMap[K, V]) MaxLoadFactor() float64 { return m.maxLoadFactor }

// SetMaxLoadFactor updates the max load factor used to trigger future
// rehashes. It does not itself trigger a rehash even if the map is
// already above the new factor; the next Set will.
func (m *BareMap[K, V]) SetMaxLoadFactor(f float64) { m.maxLoadFactor = f }

// rehash transplants every node into a freshly allocated bucket array of
// the given size, post-order per chain: each node's successor is read
// and detached (next overwritten) before the node is relinked into its
// new bucket, so no chain is ever left dangling mid-move.
func (m *BareMap[K, V]) rehash(newSize uint64) {
	newBuckets := make([]*node[K, V], newSize)
	for _, head := range m.buckets {
		for n := head; n != nil; {
			next := n.next
			idx := m.hash(n.key) % newSize
			n.next = newBuckets[idx]
			newBuckets[idx] = n
			n = next
		}
	}
	m.buckets = newBuckets
}
