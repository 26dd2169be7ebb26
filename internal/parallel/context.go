// Package parallel provides the parallel context the engine runs under:
// process rank, process count, the per-process thread count, and the
// three collective primitives (barrier, all-to-all, all-reduce-sum) the
// distributed map and MapReduce driver build on. This is the only piece
// of global state in the engine; every other component
// takes a Context explicitly rather than reaching for a singleton.
package parallel

import (
	"context"
	"os"
	"runtime"
	"strconv"
)

// Context is the collective-communication substrate the distributed map
// and MapReduce driver are built on. Implementations: LocalContext (a
// single process, for tests and for embedding the engine without
// standing up HTTP servers) and HTTPContext (a real multi-process job
// brokered over HTTP).
type Context interface {
	// Rank returns this process's rank in [0, Size()).
	Rank() int
	// Size returns the total number of participating processes.
	Size() int
	// Threads returns the shared-memory parallelism width this process
	// should use.
	Threads() int
	// Barrier blocks until every process has called Barrier for this
	// synchronization point.
	Barrier(ctx context.Context) error
	// AllToAll exchanges one buffer per destination rank: send[r] is
	// sent to rank r (send[Rank()] is this process's own contribution
	// and is returned unchanged), and the returned slice holds one
	// buffer received from each peer, indexed by source rank.
	AllToAll(ctx context.Context, send [][]byte) ([][]byte, error)
	// AllReduceSum returns the sum of x across every process.
	AllReduceSum(ctx context.Context, x uint64) (uint64, error)
}

// threadsFromEnv resolves the shared-memory parallelism width: GOMAXPROCS
// unless overridden by MR_THREADS: typically detected from the
// execution environment, overridable by config.
func threadsFromEnv() int {
	if v := os.Getenv("MR_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.GOMAXPROCS(0)
}

// LocalContext is a single-process Context: Size() is always 1, every
// collective is a local no-op or identity, and Barrier never blocks.
// This is the natural analogue of running the original OpenMP-only
// configuration with no MPI layer.
type LocalContext struct {
	threads int
}

// NewLocalContext creates a single-process Context using threads worker
// goroutines; threads <= 0 resolves via threadsFromEnv.
func NewLocalContext(threads int) *LocalContext {
	if threads <= 0 {
		threads = threadsFromEnv()
	}
	return &LocalContext{threads: threads}
}

func (c *LocalContext) Rank() int    { return 0 }
func (c *LocalContext) Size() int    { return 1 }
func (c *LocalContext) Threads() int { return c.threads }

func (c *LocalContext) Barrier(context.Context) error { return nil }

func (c *LocalContext) AllToAll(_ context.Context, send [][]byte) ([][]byte, error) {
	recv := make([][]byte, len(send))
	copy(recv, send)
	return recv, nil
}

func (c *LocalContext) AllReduceSum(_ context.Context, x uint64) (uint64, error) {
	return x, nil
}
