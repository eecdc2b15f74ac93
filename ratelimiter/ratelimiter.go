// Package ratelimiter implements a token-bucket flood guard keyed by
// peer node ID, bounding how often any one peer can force expensive
// handshake work. The mesh has no IP layer, so the table is keyed
// directly on wire.ID.
package ratelimiter

import (
	"sync"
	"time"

	"github.com/meshcore/meshcore/wire"
)

const (
	packetsPerSecond   = 20
	packetsBurstable   = 5
	garbageCollectTime = time.Second
	packetCost         = 1000000000 / packetsPerSecond
	maxTokens          = packetCost * packetsBurstable
)

type entry struct {
	mutex    sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Ratelimiter gates how often a given peer may start a new pairwise
// handshake (EstablishSession), independent of the relay layer's
// separate per-peer ingress limiter.
type Ratelimiter struct {
	mutex sync.RWMutex
	stop  chan struct{}
	table map[wire.ID]*entry
}

// New constructs a Ratelimiter with its garbage-collection loop
// already running.
func New() *Ratelimiter {
	r := &Ratelimiter{}
	r.init()
	return r
}

func (r *Ratelimiter) init() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.stop != nil {
		close(r.stop)
	}
	r.stop = make(chan struct{})
	r.table = make(map[wire.ID]*entry)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.collect()
			}
		}
	}()
}

func (r *Ratelimiter) collect() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for key, e := range r.table {
		e.mutex.Lock()
		if time.Since(e.lastTime) > garbageCollectTime {
			delete(r.table, key)
		}
		e.mutex.Unlock()
	}
}

// Close stops the garbage-collection loop.
func (r *Ratelimiter) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.stop != nil {
		close(r.stop)
	}
}

// Allow reports whether peer may start a new handshake now, consuming
// a token if so.
func (r *Ratelimiter) Allow(peer wire.ID) bool {
	r.mutex.RLock()
	e := r.table[peer]
	r.mutex.RUnlock()

	if e == nil {
		e = &entry{tokens: maxTokens - packetCost, lastTime: time.Now()}
		r.mutex.Lock()
		r.table[peer] = e
		r.mutex.Unlock()
		return true
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	now := time.Now()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > maxTokens {
		e.tokens = maxTokens
	}
	if e.tokens > packetCost {
		e.tokens -= packetCost
		return true
	}
	return false
}
