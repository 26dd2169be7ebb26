// Package main implements the MapReduce job's rank broker: the process
// every mrworker registers with to receive a rank and the full peer
// address table, and that brokers barriers and all-reduce sums for the
// lifetime of one job.
//
// Configuration:
//   - MR_BROKER_ADDR: listen address (default: ":9090")
//   - MR_JOB_SIZE: number of worker processes the job expects (required)
//
// Example usage:
//
//	MR_JOB_SIZE=4 MR_BROKER_ADDR=:9090 ./mrcoordinator
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hpmr/torua/internal/parallel"
)

func main() {
	addr := getenv("MR_BROKER_ADDR", ":9090")
	size := mustGetenvInt("MR_JOB_SIZE")

	broker := parallel.NewBroker(size)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           broker.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("mrcoordinator listening on %s, expecting %d workers", addr, size)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("mrcoordinator stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenvInt(k string) int {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("%s is required", k)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s must be an integer: %v", k, err)
	}
	return n
}
