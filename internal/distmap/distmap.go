// Package distmap provides DistMap, a process-distributed concurrent
// map: one local segmented map per process, plus the parallel context
// and wire codec needed to route keys to their owning rank and
// exchange emissions between processes at a sync barrier.
package distmap

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hpmr/torua/internal/codec"
	"github.com/hpmr/torua/internal/parallel"
	"github.com/hpmr/torua/internal/reducer"
	"github.com/hpmr/torua/internal/segmap"
)

// pendingPair is one outbox entry awaiting the next Sync.
type pendingPair[K comparable, V any] struct {
	key   K
	hash  uint64
	value V
}

// DistMap is a distributed concurrent map: owner(hash) = hash mod P,
// where P is the process count from the parallel context. Within the
// owning process, the key lives in the local SegmentedMap under local
// hash hash/P (which SegmentedMap further decomposes into its own
// segment/bare-map split). Emissions destined for a remote rank queue
// in a per-thread, per-destination outbox until Sync exchanges them.
type DistMap[K comparable, V any] struct {
	hash  func(K) uint64
	equal func(a, b K) bool
	pctx  parallel.Context

	keyCodec   codec.Codec[K]
	valueCodec codec.Codec[V]

	local *segmap.SegmentedMap[K, V]

	mu      sync.Mutex
	outbox  [][][]pendingPair[K, V] // outbox[threadID][destRank]
	threads int
	size    int
}

// New creates a DistMap partitioned over pctx.Size() processes, each
// running a local SegmentedMap sized for pctx.Threads() threads.
func New[K comparable, V any](
	hash func(K) uint64,
	equal func(a, b K) bool,
	keyCodec codec.Codec[K],
	valueCodec codec.Codec[V],
	pctx parallel.Context,
	maxLoadFactor float64,
) *DistMap[K, V] {
	threads := pctx.Threads()
	size := pctx.Size()
	outbox := make([][][]pendingPair[K, V], threads)
	for t := range outbox {
		outbox[t] = make([][]pendingPair[K, V], size)
	}
	return &DistMap[K, V]{
		hash:       hash,
		equal:      equal,
		pctx:       pctx,
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
		local:      segmap.New[K, V](hash, equal, threads, maxLoadFactor),
		outbox:     outbox,
		threads:    threads,
		size:       size,
	}
}

func (m *DistMap[K, V]) owner(h uint64) int {
	return int(h % uint64(m.size))
}

// Set routes key to its owner: locally via the segmented map's
// AsyncSet on thread threadID, or into threadID's per-destination
// outbox for the owning rank, applied at the next Sync.
func (m *DistMap[K, V]) Set(threadID int, key K, value V, reduce reducer.Combine[V]) {
	h := m.hash(key)
	owner := m.owner(h)
	if owner == m.pctx.Rank() {
		m.local.AsyncSet(threadID, key, h/uint64(m.size), value, reduce)
		return
	}
	m.mu.Lock()
	m.outbox[threadID][owner] = append(m.outbox[threadID][owner], pendingPair[K, V]{key: key, hash: h, value: value})
	m.mu.Unlock()
}

// Sync executes the five-step distributed sync protocol: flush local
// staging, build one encoded buffer per destination,
// all-to-all exchange, parallel decode-and-apply, clear outboxes.
func (m *DistMap[K, V]) Sync(ctx context.Context, reduce reducer.Combine[V]) error {
	m.local.Sync(reduce)

	send := make([][]byte, m.size)
	for dest := 0; dest < m.size; dest++ {
		if dest == m.pctx.Rank() {
			send[dest] = nil
			continue
		}
		send[dest] = m.encodeDestination(dest)
	}

	recv, err := m.pctx.AllToAll(ctx, send)
	if err != nil {
		return fmt.Errorf("distmap: sync all-to-all: %w", err)
	}

	var sources []int
	for src, buf := range recv {
		if src == m.pctx.Rank() || len(buf) == 0 {
			continue
		}
		sources = append(sources, src)
	}

	// Fan out across this process's own thread width, not the sender's
	// rank: each worker owns one staging cache (threadID), so at most one
	// goroutine may ever drive AsyncSet under a given threadID. Workers
	// drain their assigned sources one at a time.
	errs := make([]error, len(recv))
	var wg sync.WaitGroup
	workers := m.threads
	if workers > len(sources) {
		workers = len(sources)
	}
	for t := 0; t < workers; t++ {
		wg.Add(1)
		go func(threadID int) {
			defer wg.Done()
			for i := threadID; i < len(sources); i += workers {
				src := sources[i]
				errs[src] = m.applyReceived(threadID, recv[src], reduce)
			}
		}(t)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("distmap: sync decode: %w", err)
		}
	}
	m.local.Sync(reduce)

	m.clearOutboxes()
	return nil
}

// encodeDestination concatenates every thread's outbox entries bound
// for dest into one wire-format buffer: an 8-byte little-endian pair
// count followed by encode(key)||encode(value) per pair.
func (m *DistMap[K, V]) encodeDestination(dest int) []byte {
	var count uint64
	m.mu.Lock()
	for t := 0; t < m.threads; t++ {
		count += uint64(len(m.outbox[t][dest]))
	}
	var body bytes.Buffer
	for t := 0; t < m.threads; t++ {
		for _, p := range m.outbox[t][dest] {
			_ = m.keyCodec.Encode(p.key, &body)
			_ = m.valueCodec.Encode(p.value, &body)
		}
	}
	m.mu.Unlock()

	var out bytes.Buffer
	out.Grow(8 + body.Len())
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], count)
	out.Write(header[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// applyReceived decodes one peer's buffer and applies every (key,
// value) pair to the local segmented map under threadID.
func (m *DistMap[K, V]) applyReceived(threadID int, buf []byte, reduce reducer.Combine[V]) error {
	if len(buf) < 8 {
		return fmt.Errorf("buffer too short for pair count header: %d bytes", len(buf))
	}
	count := binary.LittleEndian.Uint64(buf[:8])
	r := bytes.NewReader(buf[8:])
	for i := uint64(0); i < count; i++ {
		key, err := m.keyCodec.Decode(r)
		if err != nil {
			return fmt.Errorf("decode key %d/%d: %w", i, count, err)
		}
		value, err := m.valueCodec.Decode(r)
		if err != nil {
			return fmt.Errorf("decode value %d/%d: %w", i, count, err)
		}
		h := m.hash(key)
		m.local.AsyncSet(threadID, key, h/uint64(m.size), value, reduce)
	}
	return nil
}

func (m *DistMap[K, V]) clearOutboxes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t := range m.outbox {
		for d := range m.outbox[t] {
			m.outbox[t][d] = nil
		}
	}
}

// Get returns the value for key if this process owns it and it is
// present, else def. Remote keys return def; callers needing the
// authoritative value for a remote key must query through the owning
// process out-of-band; this map does not define a remote-read path.
func (m *DistMap[K, V]) Get(key K, def V) V {
	h := m.hash(key)
	if m.owner(h) != m.pctx.Rank() {
		return def
	}
	return m.local.Get(key, h/uint64(m.size), def)
}

// Has reports whether this process owns key and holds it locally.
func (m *DistMap[K, V]) Has(key K) bool {
	h := m.hash(key)
	if m.owner(h) != m.pctx.Rank() {
		return false
	}
	return m.local.Has(key, h/uint64(m.size))
}

// Unset removes key from its owning process's local map, if local.
func (m *DistMap[K, V]) Unset(key K) {
	h := m.hash(key)
	if m.owner(h) != m.pctx.Rank() {
		return
	}
	m.local.Unset(key, h/uint64(m.size))
}

// Clear empties this process's local shard of the map. Callers running
// on every rank must call Clear on every rank to empty the whole
// distributed map.
func (m *DistMap[K, V]) Clear() { m.local.Clear() }

// ClearAndShrink empties and shrinks this process's local shard.
func (m *DistMap[K, V]) ClearAndShrink() { m.local.ClearAndShrink() }

// Reserve pre-sizes the local shard for minKeys/P keys, anticipating
// an even distribution across processes.
func (m *DistMap[K, V]) Reserve(minKeys uint64) {
	m.local.Reserve(minKeys / uint64(m.size))
}

// NKeys returns the total key count across every process, computed via
// an all-reduce over each process's local key count.
func (m *DistMap[K, V]) NKeys(ctx context.Context) (uint64, error) {
	return m.pctx.AllReduceSum(ctx, m.local.NKeys())
}

// LocalNKeys returns the key count held by this process alone.
func (m *DistMap[K, V]) LocalNKeys() uint64 { return m.local.NKeys() }

// ForEach visits every (key, value) pair this process owns locally; it
// does not touch other processes' shards.
func (m *DistMap[K, V]) ForEach(visit func(key K, value V)) {
	m.local.ForEach(func(key K, _ uint64, value V) {
		visit(key, value)
	})
}

// Threads returns the per-process thread width this DistMap was built
// with.
func (m *DistMap[K, V]) Threads() int { return m.threads }

// Rank returns the owning process's own rank, a passthrough convenience
// over the parallel context.
func (m *DistMap[K, V]) Rank() int { return m.pctx.Rank() }

// Size returns the process count this DistMap is partitioned over.
func (m *DistMap[K, V]) Size() int { return m.size }
