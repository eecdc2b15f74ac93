package relay

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshcore/meshcore/internal/timerutil"
	"github.com/meshcore/meshcore/wire"
)

// Jitter bands, keyed by local connection degree: a denser neighborhood
// waits longer before relaying so an already-delivered duplicate has
// more chance to suppress the scheduled relay.
const highDegreeThreshold = 5

var (
	jitterHighDegree = [2]time.Duration{30 * time.Millisecond, 80 * time.Millisecond}
	jitterMidDegree  = [2]time.Duration{20 * time.Millisecond, 60 * time.Millisecond}
	jitterLowDegree  = [2]time.Duration{10 * time.Millisecond, 50 * time.Millisecond}
)

// Decision is the outcome of evaluating an inbound envelope for relay.
type Decision int

const (
	// DecisionDrop means the envelope must never be relayed.
	DecisionDrop Decision = iota
	// DecisionRouteOnly means forward unicast along the known route
	// (directed encrypted traffic, or a fragment of an already-routed
	// message).
	DecisionRouteOnly
	// DecisionSpool means no route is currently known; hand to delivery's
	// offline queue instead of dropping.
	DecisionSpool
	// DecisionFanout means the envelope is a broadcast/announce/directed
	// plaintext candidate for K-of-N fanout.
	DecisionFanout
)

// RouteLookup resolves the next hop for a directed envelope's
// destination, mirroring routing.Engine's table without relay depending
// on the routing package's concrete types.
type RouteLookup func(dest wire.ID) (nextHop wire.ID, ok bool)

// Decide implements the relay decision tree from an ingress envelope's
// perspective. hasRouteFragmentParent reports whether this envelope is a
// chunk/fragment of a message relay has already decided to route.
func Decide(env *wire.Envelope, selfID wire.ID, lookup RouteLookup, isHandshakeControl, hasRouteFragmentParent bool) Decision {
	if env.Origin == selfID {
		return DecisionDrop
	}
	if env.TTL <= 1 {
		return DecisionDrop
	}
	if isHandshakeControl {
		return DecisionDrop
	}
	if env.IsBroadcast() {
		return DecisionFanout
	}
	if hasRouteFragmentParent {
		if _, ok := lookup(*env.Dest); ok {
			return DecisionRouteOnly
		}
		return DecisionSpool
	}
	if env.Flags.Has(wire.FlagEncrypted) {
		if _, ok := lookup(*env.Dest); ok {
			return DecisionRouteOnly
		}
		return DecisionSpool
	}
	return DecisionFanout
}

// jitterRange reports the jitter band to use for a local connection
// count degree.
func jitterRange(degree int) [2]time.Duration {
	switch {
	case degree >= highDegreeThreshold:
		return jitterHighDegree
	case degree >= 3:
		return jitterMidDegree
	default:
		return jitterLowDegree
	}
}

// JitterDelay picks a random delay within the band appropriate for
// degree connected neighbors.
func JitterDelay(degree int) time.Duration {
	band := jitterRange(degree)
	span := band[1] - band[0]
	if span <= 0 {
		return band[0]
	}
	return band[0] + time.Duration(rand.Int63n(int64(span)))
}

// FanoutCount returns K = ceil(sqrt(N)) + 1, the number of neighbors a
// broadcast-class envelope is relayed to out of N eligible candidates.
func FanoutCount(n int) int {
	if n <= 0 {
		return 0
	}
	k := 1
	for k*k < n {
		k++
	}
	return k + 1
}

// SelectFanout deterministically picks up to FanoutCount(len(candidates))
// peers from candidates, shuffled by a PRNG seeded on fp so repeated
// arrivals of the same message always pick the same set on this node,
// while different messages spread differently.
func SelectFanout(candidates []wire.ID, fp Fingerprint) []wire.ID {
	k := FanoutCount(len(candidates))
	if k >= len(candidates) {
		out := make([]wire.ID, len(candidates))
		copy(out, candidates)
		return out
	}

	sorted := make([]wire.ID, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return lessID(sorted[i], sorted[j]) })

	seed := int64(0)
	for i := 0; i < 8 && i < len(fp); i++ {
		seed = seed<<8 | int64(fp[i])
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(sorted), func(i, j int) { sorted[i], sorted[j] = sorted[j], sorted[i] })
	return sorted[:k]
}

func lessID(a, b wire.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Scheduler runs scheduled relays with per-fingerprint jitter timers,
// cancelable if a duplicate arrives before the timer fires and the
// local degree is dense enough that another node has likely already
// delivered it.
type Scheduler struct {
	mu     sync.Mutex
	timers map[Fingerprint]*timerutil.Timer
}

// NewScheduler creates an empty relay scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[Fingerprint]*timerutil.Timer)}
}

// Schedule arms fire to run after a degree-appropriate jitter delay,
// keyed by fp so a later duplicate can cancel it.
func (s *Scheduler) Schedule(fp Fingerprint, degree int, fire func()) {
	t := timerutil.New(func() {
		s.mu.Lock()
		delete(s.timers, fp)
		s.mu.Unlock()
		fire()
	})
	s.mu.Lock()
	s.timers[fp] = t
	s.mu.Unlock()
	t.Mod(JitterDelay(degree))
}

// CancelIfDense cancels a still-pending scheduled relay for fp if the
// local degree is dense enough (> 2) that the duplicate arrival implies
// another node has already delivered it.
func (s *Scheduler) CancelIfDense(fp Fingerprint, degree int) {
	if degree <= 2 {
		return
	}
	s.mu.Lock()
	t, ok := s.timers[fp]
	if ok {
		delete(s.timers, fp)
	}
	s.mu.Unlock()
	if ok {
		t.Del()
	}
}

// IngressLimiter rate-limits control-traffic ingestion per direct
// link: a token bucket per peer guarding against RouteRequest floods
// and broadcast storms. Distinct from the handshake ratelimiter, which
// guards session establishment, a different flood surface.
type IngressLimiter struct {
	mu       sync.Mutex
	limiters map[wire.ID]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewIngressLimiter creates a limiter allowing r events/sec per peer with
// the given burst.
func NewIngressLimiter(r rate.Limit, burst int) *IngressLimiter {
	return &IngressLimiter{limiters: make(map[wire.ID]*rate.Limiter), r: r, burst: burst}
}

// Allow reports whether an ingress control message from peer should be
// accepted right now.
func (l *IngressLimiter) Allow(peer wire.ID) bool {
	l.mu.Lock()
	lim, ok := l.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[peer] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// AllowContext is a context-aware variant used when the caller wants
// blocking backpressure instead of an immediate drop.
func (l *IngressLimiter) AllowContext(ctx context.Context, peer wire.ID) error {
	l.mu.Lock()
	lim, ok := l.limiters[peer]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[peer] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
