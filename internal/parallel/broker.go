package parallel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"golang.org/x/exp/slices"
)

// Broker is the rank-assignment and collective-coordination server for
// one MapReduce job: it assigns ranks to registering processes and
// brokers barriers and all-reduce sums between them, generalized from
// "assign shards to nodes" to "assign ranks to processes."
//
// Thread safety: every exported method and the HTTP handlers are safe
// for concurrent use; mu/cond guard all mutable state.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	size  int
	peers []PeerInfo // index i holds the peer assigned rank i, once registered

	barrierEpoch int
	barrierSeen  map[int]bool

	reduceEpoch     int
	reduceSum       uint64
	reduceSeen      map[int]bool
	lastReduceTotal uint64 // total computed for the epoch just completed
}

// NewBroker creates a Broker expecting exactly size processes to
// register before it broadcasts the peer table.
func NewBroker(size int) *Broker {
	b := &Broker{
		size:        size,
		peers:       make([]PeerInfo, 0, size),
		barrierSeen: make(map[int]bool),
		reduceSeen:  make(map[int]bool),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Handler returns the http.Handler the job coordinator's HTTP server
// should mount.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/parallel/register", b.handleRegister)
	mux.HandleFunc("/parallel/barrier", b.handleBarrier)
	mux.HandleFunc("/parallel/reduce", b.handleReduce)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleRegister assigns the next rank to a newly registering worker and,
// once every rank has registered, pushes the full peer table to each of
// them — a push, not a poll.
func (b *Broker) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	if len(b.peers) >= b.size {
		b.mu.Unlock()
		http.Error(w, "job already full", http.StatusConflict)
		return
	}
	rank := len(b.peers)
	b.peers = append(b.peers, PeerInfo{Rank: rank, Addr: req.Addr})
	ready := len(b.peers) == b.size
	var peersCopy []PeerInfo
	if ready {
		peersCopy = slices.Clone(b.peers)
		slices.SortFunc(peersCopy, func(a, c PeerInfo) int { return a.Rank - c.Rank })
	}
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(registerResponse{Rank: rank})

	if ready {
		b.broadcastPeerTable(peersCopy)
	}
}

func (b *Broker) broadcastPeerTable(peers []PeerInfo) {
	for _, p := range peers {
		peer := p
		go func() {
			url := fmt.Sprintf("http://%s/parallel/peers", peer.Addr)
			if err := postJSON(context.Background(), url, peerTableRequest{Peers: peers}, nil); err != nil {
				log.Printf("broker: failed to push peer table to rank %d (%s): %v", peer.Rank, peer.Addr, err)
			}
		}()
	}
}

// handleBarrier blocks the HTTP request until every rank has checked
// into the requested epoch, then lets every blocked request return
// together: collect from all, then act once, as a per-call rendezvous
// rather than a periodic poll.
func (b *Broker) handleBarrier(w http.ResponseWriter, r *http.Request) {
	var req barrierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if req.Epoch != b.barrierEpoch {
		http.Error(w, "stale barrier epoch", http.StatusConflict)
		return
	}
	b.barrierSeen[req.Rank] = true
	if len(b.barrierSeen) == b.size {
		b.barrierEpoch++
		b.barrierSeen = make(map[int]bool)
		b.cond.Broadcast()
	} else {
		epoch := req.Epoch
		for b.barrierEpoch == epoch {
			b.cond.Wait()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReduce blocks the HTTP request until every rank has contributed
// its partial sum for the requested epoch, then returns the total to
// every blocked request.
func (b *Broker) handleReduce(w http.ResponseWriter, r *http.Request) {
	var req reduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if req.Epoch != b.reduceEpoch {
		http.Error(w, "stale reduce epoch", http.StatusConflict)
		return
	}
	if !b.reduceSeen[req.Rank] {
		b.reduceSeen[req.Rank] = true
		b.reduceSum += req.Value
	}
	if len(b.reduceSeen) == b.size {
		b.lastReduceTotal = b.reduceSum
		b.reduceEpoch++
		b.reduceSeen = make(map[int]bool)
		b.reduceSum = 0
		b.cond.Broadcast()
	} else {
		epoch := req.Epoch
		for b.reduceEpoch == epoch {
			b.cond.Wait()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reduceResult{Total: b.lastReduceTotal})
}
