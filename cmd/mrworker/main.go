// Package main implements an mrworker: one process in a distributed
// word-count MapReduce job, demonstrating internal/parallel,
// internal/distrange and internal/distmap wired together end to end.
//
// Every worker reads the same input file, registers with the job's
// mrcoordinator broker to obtain a rank and peer table, then runs a
// distrange.MapReduce over the file's line indices — partitioned
// line i mod P — splitting each line into words and emitting (word, 1)
// with the sum reducer. After the distributed sync, each process prints
// the word counts it ended up owning.
//
// Configuration:
//   - MR_BROKER_ADDR: the mrcoordinator's address (required)
//   - MR_LISTEN_ADDR: this worker's own listen address (default: ":0")
//   - MR_PUBLIC_ADDR: address advertised to peers, defaults to the
//     listener's bound address
//   - MR_JOB_SIZE: number of worker processes in the job (required)
//   - MR_INPUT_FILE: path to the text file to word-count (required)
//   - MR_THREADS: per-process thread width (default: GOMAXPROCS)
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hpmr/torua/internal/codec"
	"github.com/hpmr/torua/internal/distrange"
	"github.com/hpmr/torua/internal/parallel"
	"github.com/hpmr/torua/internal/reducer"
)

func main() {
	brokerAddr := mustGetenv("MR_BROKER_ADDR")
	listenAddr := getenv("MR_LISTEN_ADDR", ":0")
	publicAddr := os.Getenv("MR_PUBLIC_ADDR")
	size := mustGetenvInt("MR_JOB_SIZE")
	inputPath := mustGetenv("MR_INPUT_FILE")

	lines, err := readLines(inputPath)
	if err != nil {
		log.Fatalf("reading %s: %v", inputPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pctx, err := parallel.NewHTTPContext(ctx, brokerAddr, listenAddr, publicAddr, size)
	if err != nil {
		log.Fatalf("joining job: %v", err)
	}
	log.Printf("rank %d/%d joined, %d threads", pctx.Rank(), pctx.Size(), pctx.Threads())

	cfg := distrange.Config[string, int]{
		KeyHash:       hashFNV1a,
		KeyEqual:      func(a, b string) bool { return a == b },
		KeyCodec:      codec.JSONCodec[string]{},
		ValueCodec:    codec.JSONCodec[int]{},
		MaxLoadFactor: 1.0,
	}

	dst, err := distrange.MapReduce[string, int](
		context.Background(),
		distrange.New(0, len(lines)),
		pctx,
		cfg,
		func(i int, emit distrange.Emit[string, int]) {
			for _, word := range strings.Fields(lines[i]) {
				emit(word, 1)
			}
		},
		reducer.Sum[int],
		pctx.Rank() == 0,
	)
	if err != nil {
		log.Fatalf("mapreduce: %v", err)
	}

	if err := pctx.Barrier(context.Background()); err != nil {
		log.Fatalf("barrier: %v", err)
	}

	type count struct {
		word string
		n    int
	}
	var owned []count
	dst.ForEach(func(word string, n int) {
		owned = append(owned, count{word: word, n: n})
	})
	sort.Slice(owned, func(i, j int) bool { return owned[i].word < owned[j].word })
	for _, c := range owned {
		fmt.Printf("%s\t%d\n", c.word, c.n)
	}

	total, err := dst.NKeys(context.Background())
	if err != nil {
		log.Fatalf("n_keys: %v", err)
	}
	if pctx.Rank() == 0 {
		log.Printf("distinct words across job: %d", total)
	}
}

func hashFNV1a(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("%s is required", k)
	}
	return v
}

func mustGetenvInt(k string) int {
	v := mustGetenv(k)
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s must be an integer: %v", k, err)
	}
	return n
}
