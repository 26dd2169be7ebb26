// Package distrange provides the distributed range and the MapReduce
// driver that partitions work across processes and threads and
// collects results into a distmap.DistMap.
package distrange

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpmr/torua/internal/codec"
	"github.com/hpmr/torua/internal/distmap"
	"github.com/hpmr/torua/internal/parallel"
	"github.com/hpmr/torua/internal/reducer"
	"github.com/hpmr/torua/internal/segmap"
)

// DistRange is a half-open integer interval [Lo, Hi) distributed across
// a job's processes: integer i is processed by rank i mod P.
type DistRange struct {
	Lo, Hi int
}

// New creates a DistRange covering [lo, hi).
func New(lo, hi int) DistRange { return DistRange{Lo: lo, Hi: hi} }

// Len returns the number of integers in the range.
func (r DistRange) Len() int { return r.Hi - r.Lo }

// Emit is the callback a Mapper calls to produce one (key, value) pair.
type Emit[KR comparable, VR any] func(key KR, value VR)

// Mapper processes one integer from a range, emitting zero or more
// pairs via emit.
type Mapper[KR comparable, VR any] func(i int, emit Emit[KR, VR])

// SegmentMapper processes one (key, value) pair read from a source
// segmented map, emitting zero or more result pairs via emit.
type SegmentMapper[K comparable, V any, KR comparable, VR any] func(key K, value V, emit Emit[KR, VR])

// Config bundles the pieces a MapReduce driver needs to construct its
// destination DistMap.
type Config[KR comparable, VR any] struct {
	KeyHash       func(KR) uint64
	KeyEqual      func(a, b KR) bool
	KeyCodec      codec.Codec[KR]
	ValueCodec    codec.Codec[VR]
	MaxLoadFactor float64
}

func mod(i, n int) int {
	m := i % n
	if m < 0 {
		m += n
	}
	return m
}

// MapReduce executes the distributed-range MapReduce:
// partition [lo, hi) so integer i is processed by rank i mod P,
// thread-scheduled statically with chunk 1 across the owning process's
// threads; call mapper(i, emit) for each local i, routing every
// emission through the destination DistMap's distributed Set; Sync the
// destination map; optionally print doubling-threshold progress on
// rank 0, thread 0.
func MapReduce[KR comparable, VR any](
	ctx context.Context,
	r DistRange,
	pctx parallel.Context,
	cfg Config[KR, VR],
	mapper Mapper[KR, VR],
	reduce reducer.Combine[VR],
	verbose bool,
) (*distmap.DistMap[KR, VR], error) {
	dst := distmap.New[KR, VR](cfg.KeyHash, cfg.KeyEqual, cfg.KeyCodec, cfg.ValueCodec, pctx, cfg.MaxLoadFactor)

	rank := pctx.Rank()
	size := pctx.Size()
	threads := pctx.Threads()

	var local []int
	for i := r.Lo; i < r.Hi; i++ {
		if mod(i, size) == rank {
			local = append(local, i)
		}
	}

	var progress *progressTracker
	if verbose && rank == 0 {
		progress = newProgressTracker(len(local))
	}

	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			emit := func(key KR, value VR) { dst.Set(t, key, value, reduce) }
			for j := t; j < len(local); j += threads {
				mapper(local[j], emit)
				if t == 0 && progress != nil {
					progress.tick(j + 1)
				}
			}
		}(t)
	}
	wg.Wait()

	if err := dst.Sync(ctx, reduce); err != nil {
		return nil, fmt.Errorf("distrange: mapreduce sync: %w", err)
	}
	return dst, nil
}

// MapReduceSegmentedMap runs the same mapper/reduce/Sync pipeline as
// MapReduce, but iterates an existing segmap.SegmentedMap's committed
// entries instead of an integer range. Partitioning this variant by
// physical bucket index modulo P would require BareMap's ForEach to
// expose segment internals it deliberately keeps private, so entries
// are partitioned by hash(key) mod P instead — the same statistically
// uniform distribution a bucket-index partition would produce, without
// reaching into segment internals.
func MapReduceSegmentedMap[K comparable, V any, KR comparable, VR any](
	ctx context.Context,
	src *segmap.SegmentedMap[K, V],
	pctx parallel.Context,
	cfg Config[KR, VR],
	mapper SegmentMapper[K, V, KR, VR],
	reduce reducer.Combine[VR],
	verbose bool,
) (*distmap.DistMap[KR, VR], error) {
	dst := distmap.New[KR, VR](cfg.KeyHash, cfg.KeyEqual, cfg.KeyCodec, cfg.ValueCodec, pctx, cfg.MaxLoadFactor)

	rank := pctx.Rank()
	size := pctx.Size()
	threads := pctx.Threads()

	type entry struct {
		key   K
		value V
	}
	var local []entry
	src.ForEach(func(key K, hash uint64, value V) {
		if mod(int(hash), size) == rank {
			local = append(local, entry{key: key, value: value})
		}
	})

	var progress *progressTracker
	if verbose && rank == 0 {
		progress = newProgressTracker(len(local))
	}

	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			emit := func(key KR, value VR) { dst.Set(t, key, value, reduce) }
			for j := t; j < len(local); j += threads {
				e := local[j]
				mapper(e.key, e.value, emit)
				if t == 0 && progress != nil {
					progress.tick(j + 1)
				}
			}
		}(t)
	}
	wg.Wait()

	if err := dst.Sync(ctx, reduce); err != nil {
		return nil, fmt.Errorf("distrange: segmented mapreduce sync: %w", err)
	}
	return dst, nil
}

// progressTracker prints doubling-threshold progress ticks (10%, 20%,
// 40%, 80%): nothing printed past 80%, and
// only ever called from rank 0, thread 0 so no locking is needed.
type progressTracker struct {
	total   int
	nextPct int
}

func newProgressTracker(total int) *progressTracker {
	return &progressTracker{total: total, nextPct: 10}
}

func (p *progressTracker) tick(done int) {
	if p.total == 0 || p.nextPct > 80 {
		return
	}
	pct := done * 100 / p.total
	for p.nextPct <= 80 && pct >= p.nextPct {
		fmt.Printf("mapreduce: %d%% (%d/%d)\n", p.nextPct, done, p.total)
		p.nextPct *= 2
	}
}
