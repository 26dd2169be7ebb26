package distrange

import (
	"context"
	"sync"
	"testing"

	"github.com/hpmr/torua/internal/codec"
	"github.com/hpmr/torua/internal/distmap"
	"github.com/hpmr/torua/internal/parallel"
	"github.com/hpmr/torua/internal/reducer"
	"github.com/hpmr/torua/internal/segmap"
)

// meshState/meshContext simulate an N-rank parallel.Context in-process,
// mirroring the harness in internal/distmap's tests, so distrange's
// MapReduce driver can be exercised across multiple simulated processes
// without any HTTP machinery.
type meshState struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int

	barrierSeen map[int]bool
	barrierEp   int

	reduceSeen map[int]bool
	reduceSum  uint64
	reduceEp   int
	lastTotal  uint64

	exSeen  map[int]bool
	allSend [][][]byte
	exEp    int
}

func newMeshState(size int) *meshState {
	s := &meshState{
		size:        size,
		barrierSeen: make(map[int]bool),
		reduceSeen:  make(map[int]bool),
		exSeen:      make(map[int]bool),
		allSend:     make([][][]byte, size),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

type meshContext struct {
	rank    int
	threads int
	state   *meshState
}

func newMesh(size, threads int) []*meshContext {
	state := newMeshState(size)
	ctxs := make([]*meshContext, size)
	for r := 0; r < size; r++ {
		ctxs[r] = &meshContext{rank: r, threads: threads, state: state}
	}
	return ctxs
}

var _ parallel.Context = (*meshContext)(nil)

func (c *meshContext) Rank() int    { return c.rank }
func (c *meshContext) Size() int    { return c.state.size }
func (c *meshContext) Threads() int { return c.threads }

func (c *meshContext) Barrier(context.Context) error {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barrierSeen[c.rank] = true
	if len(s.barrierSeen) == s.size {
		s.barrierEp++
		s.barrierSeen = make(map[int]bool)
		s.cond.Broadcast()
	} else {
		ep := s.barrierEp
		for s.barrierEp == ep {
			s.cond.Wait()
		}
	}
	return nil
}

func (c *meshContext) AllReduceSum(_ context.Context, x uint64) (uint64, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reduceSeen[c.rank] {
		s.reduceSeen[c.rank] = true
		s.reduceSum += x
	}
	if len(s.reduceSeen) == s.size {
		s.lastTotal = s.reduceSum
		s.reduceEp++
		s.reduceSeen = make(map[int]bool)
		s.reduceSum = 0
		s.cond.Broadcast()
	} else {
		ep := s.reduceEp
		for s.reduceEp == ep {
			s.cond.Wait()
		}
	}
	return s.lastTotal, nil
}

func (c *meshContext) AllToAll(_ context.Context, send [][]byte) ([][]byte, error) {
	s := c.state
	s.mu.Lock()
	s.allSend[c.rank] = send
	s.exSeen[c.rank] = true
	if len(s.exSeen) == s.size {
		s.exEp++
		s.exSeen = make(map[int]bool)
		s.cond.Broadcast()
	} else {
		ep := s.exEp
		for s.exEp == ep {
			s.cond.Wait()
		}
	}
	recv := make([][]byte, s.size)
	for src := 0; src < s.size; src++ {
		recv[src] = s.allSend[src][c.rank]
	}
	s.mu.Unlock()
	return recv, nil
}

func hashInt(k int) uint64     { return uint64(k) }
func equalInt(a, b int) bool   { return a == b }
func hashString(k string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(k); i++ {
		h ^= uint64(k[i])
		h *= 1099511628211
	}
	return h
}
func equalString(a, b string) bool { return a == b }

func intConfig() Config[int, bool] {
	return Config[int, bool]{
		KeyHash: hashInt, KeyEqual: equalInt,
		KeyCodec: codec.JSONCodec[int]{}, ValueCodec: codec.JSONCodec[bool]{},
		MaxLoadFactor: 1.0,
	}
}

// MapReduce over [0, 1000) with an identity mapper and keep reducer
// should produce exactly 1000 keys, each with value false.
func TestMapReduceIdentityKeepScenario(t *testing.T) {
	const size = 1
	ctxs := newMesh(size, 4)

	dst, err := MapReduce[int, bool](context.Background(), New(0, 1000), ctxs[0], intConfig(),
		func(i int, emit Emit[int, bool]) { emit(i, false) },
		reducer.Keep[bool], true)
	if err != nil {
		t.Fatalf("MapReduce: %v", err)
	}

	n, err := dst.NKeys(context.Background())
	if err != nil {
		t.Fatalf("NKeys: %v", err)
	}
	if n != 1000 {
		t.Errorf("NKeys() = %d, want 1000", n)
	}
	for i := 0; i < 1000; i++ {
		if got := dst.Get(i, true); got != false {
			t.Errorf("Get(%d) = %v, want false", i, got)
		}
	}
}

// Word count across 4 processes, each emitting ("a", 1), ("b", 1),
// ("a", 1) with a sum reducer, should total {"a": 8, "b": 4}. The range
// [0, size) gives each rank exactly one integer (i mod P == rank).
func TestMapReduceWordCountScenario(t *testing.T) {
	const size = 4
	ctxs := newMesh(size, 2)
	cfg := Config[string, int]{
		KeyHash: hashString, KeyEqual: equalString,
		KeyCodec: codec.JSONCodec[string]{}, ValueCodec: codec.JSONCodec[int]{},
		MaxLoadFactor: 1.0,
	}

	type result struct {
		dst *distmap.DistMap[string, int]
		err error
	}
	out := make([]result, size)

	var wg sync.WaitGroup
	wg.Add(size)
	for r := 0; r < size; r++ {
		go func(r int) {
			defer wg.Done()
			d, err := MapReduce[string, int](context.Background(), New(0, size), ctxs[r], cfg,
				func(_ int, emit Emit[string, int]) {
					emit("a", 1)
					emit("b", 1)
					emit("a", 1)
				}, reducer.Sum[int], false)
			out[r] = result{dst: d, err: err}
		}(r)
	}
	wg.Wait()

	for r, h := range out {
		if h.err != nil {
			t.Fatalf("rank %d MapReduce: %v", r, h.err)
		}
	}

	ownerA := mod(int(hashString("a")), size)
	ownerB := mod(int(hashString("b")), size)
	if got := out[ownerA].dst.Get("a", -1); got != 8 {
		t.Errorf(`Get("a") = %d, want 8`, got)
	}
	if got := out[ownerB].dst.Get("b", -1); got != 4 {
		t.Errorf(`Get("b") = %d, want 4`, got)
	}
}

// Partitioning is deterministic: two identical runs on P=4 yield the
// same owner-per-key assignment.
func TestPartitionDeterminism(t *testing.T) {
	const size = 4
	for k := 0; k < 500; k++ {
		o1 := mod(k, size)
		o2 := mod(k, size)
		if o1 != o2 {
			t.Fatalf("owner(%d) not deterministic: %d vs %d", k, o1, o2)
		}
	}
}

// Scaled down from 10^7 for test runtime: a DistRange mapper emits
// (i mod 101, i) with a sum reducer. Expect 101 keys, each the sum of
// i where i mod 101 == k.
func TestMapReduceLargeRangeModSum(t *testing.T) {
	const n = 1_000_000
	const size = 1
	ctxs := newMesh(size, 4)
	cfg := Config[int, int]{
		KeyHash: hashInt, KeyEqual: equalInt,
		KeyCodec: codec.JSONCodec[int]{}, ValueCodec: codec.JSONCodec[int]{},
		MaxLoadFactor: 1.0,
	}

	dst, err := MapReduce[int, int](context.Background(), New(0, n), ctxs[0], cfg,
		func(i int, emit Emit[int, int]) { emit(i%101, i) },
		reducer.Sum[int], false)
	if err != nil {
		t.Fatalf("MapReduce: %v", err)
	}

	want := make([]int64, 101)
	for i := 0; i < n; i++ {
		want[i%101] += int64(i)
	}

	nkeys, err := dst.NKeys(context.Background())
	if err != nil {
		t.Fatalf("NKeys: %v", err)
	}
	if nkeys != 101 {
		t.Errorf("NKeys() = %d, want 101", nkeys)
	}
	for k := 0; k < 101; k++ {
		if got := dst.Get(k, -1); int64(got) != want[k] {
			t.Errorf("Get(%d) = %d, want %d", k, got, want[k])
		}
	}
}

func TestMapReduceSegmentedMapPartitionsByHash(t *testing.T) {
	const size = 1
	ctxs := newMesh(size, 2)

	src := segmap.New[int, int](hashInt, equalInt, 2, 1.0)
	for i := 0; i < 200; i++ {
		src.Set(i, hashInt(i), i*2, reducer.Overwrite[int])
	}

	cfg := Config[int, bool]{
		KeyHash: hashInt, KeyEqual: equalInt,
		KeyCodec: codec.JSONCodec[int]{}, ValueCodec: codec.JSONCodec[bool]{},
		MaxLoadFactor: 1.0,
	}

	dst, err := MapReduceSegmentedMap[int, int, int, bool](context.Background(), src, ctxs[0], cfg,
		func(key int, value int, emit Emit[int, bool]) {
			emit(key, value%2 == 0)
		}, reducer.Overwrite[bool], false)
	if err != nil {
		t.Fatalf("MapReduceSegmentedMap: %v", err)
	}

	n, err := dst.NKeys(context.Background())
	if err != nil {
		t.Fatalf("NKeys: %v", err)
	}
	if n != 200 {
		t.Errorf("NKeys() = %d, want 200", n)
	}
	for i := 0; i < 200; i++ {
		if got := dst.Get(i, false); got != true {
			t.Errorf("Get(%d) = %v, want true (all values are even)", i, got)
		}
	}
}
