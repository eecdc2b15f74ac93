package routing

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meshcore/meshcore/internal/timerutil"
	"github.com/meshcore/meshcore/wire"
)

// DiscoveryTimeout is how long discoverRoute waits for a RouteReply
// before giving up.
const DiscoveryTimeout = 10 * time.Second

// MaxSeenRequests bounds the seen-request-id set; once exceeded the
// oldest entries are evicted regardless of age.
const MaxSeenRequests = 1000

// AnnounceTTL is the hop budget a PeerAnnounce is flooded with.
const AnnounceTTL = 2

// ErrRouteDiscoveryTimeout is returned by DiscoverRoute when no
// RouteReply arrives within DiscoveryTimeout.
var ErrRouteDiscoveryTimeout = errors.New("routing: route discovery timed out")

// ErrRouteDiscoveryCancelled is returned when a caller's context is
// cancelled while a discovery is in flight.
var ErrRouteDiscoveryCancelled = errors.New("routing: route discovery cancelled")

// Transport is everything Engine needs from the rest of the node to
// exchange control traffic, kept minimal so routing has no dependency
// on the envelope pipeline or wire encoding details.
type Transport interface {
	// ConnectedPeers lists currently connected direct neighbors.
	ConnectedPeers() []wire.ID
	// SendControl unicasts a control message to one connected neighbor.
	SendControl(ctx context.Context, to wire.ID, kind wire.Kind, msg interface{}) error
	// BroadcastControl sends a control message to every connected
	// neighbor not in exclude.
	BroadcastControl(ctx context.Context, kind wire.Kind, msg interface{}, exclude map[wire.ID]bool) error
}

type pendingRequest struct {
	dest     wire.ID
	startAt  time.Time
	timer    *timerutil.Timer
	done     chan struct{}
	doneOnce sync.Once
	result   *RouteEntry
	err      error
}

// Engine is the routing state machine: one per node, composed into
// meshnode.Node alongside the crypto engine and relay controller.
type Engine struct {
	selfID    wire.ID
	transport Transport
	table     *Table

	mu            sync.Mutex
	reverseRoutes map[wire.ID]wire.ID // origin -> neighbor that forwarded its RREQ
	pending       map[wire.ID]*pendingRequest

	seenMu   sync.Mutex
	seenList *list.List
	seenSet  map[wire.ID]*list.Element
}

// NewEngine constructs a routing Engine for selfID, driving control
// traffic through transport.
func NewEngine(selfID wire.ID, transport Transport) *Engine {
	return &Engine{
		selfID:        selfID,
		transport:     transport,
		table:         NewTable(),
		reverseRoutes: make(map[wire.ID]wire.ID),
		pending:       make(map[wire.ID]*pendingRequest),
		seenList:      list.New(),
		seenSet:       make(map[wire.ID]*list.Element),
	}
}

// Table exposes the underlying routing table, e.g. for the relay
// controller's next-hop lookups.
func (e *Engine) Table() *Table { return e.table }

// DiscoverRoute returns a route to dest, using a cached valid route or
// a direct connection if one exists, otherwise broadcasting a
// RouteRequest and waiting up to DiscoveryTimeout for a reply.
func (e *Engine) DiscoverRoute(ctx context.Context, dest wire.ID) (*RouteEntry, error) {
	if r, ok := e.table.Lookup(dest); ok && r.IsValid(time.Now()) {
		return r, nil
	}

	for _, peer := range e.transport.ConnectedPeers() {
		if peer == dest {
			route := RouteEntry{
				Dest:      dest,
				NextHop:   dest,
				HopCount:  0,
				HopPath:   []wire.ID{e.selfID, dest},
				ExpiresAt: time.Now().Add(DefaultRouteTTL),
				LastUsed:  time.Now(),
			}
			e.table.Install(route)
			installed, _ := e.table.Lookup(dest)
			return installed, nil
		}
	}

	requestID := wire.NewID()
	pr := &pendingRequest{dest: dest, startAt: time.Now(), done: make(chan struct{})}
	e.mu.Lock()
	e.pending[requestID] = pr
	e.mu.Unlock()

	pr.timer = timerutil.New(func() { e.failPending(requestID, ErrRouteDiscoveryTimeout) })
	pr.timer.Mod(DiscoveryTimeout)

	req := wire.RouteRequest{
		RequestID: requestID,
		Origin:    e.selfID,
		Dest:      dest,
		HopCount:  0,
		HopPath:   []wire.ID{e.selfID},
		TTL:       wire.MaxTTL,
	}
	if err := e.transport.BroadcastControl(ctx, wire.KindRouteRequest, &req, nil); err != nil {
		e.failPending(requestID, err)
		return nil, err
	}

	select {
	case <-pr.done:
		return pr.result, pr.err
	case <-ctx.Done():
		e.failPending(requestID, ErrRouteDiscoveryCancelled)
		return nil, ctx.Err()
	}
}

func (e *Engine) failPending(requestID wire.ID, err error) {
	e.mu.Lock()
	pr, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	pr.doneOnce.Do(func() {
		pr.err = err
		pr.timer.Del()
		close(pr.done)
	})
}

func (e *Engine) succeedPending(requestID wire.ID, route *RouteEntry) {
	e.mu.Lock()
	pr, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	pr.doneOnce.Do(func() {
		pr.result = route
		pr.timer.Del()
		close(pr.done)
	})
}

// markSeen records requestID as handled, evicting the oldest entry if
// the bounded set is full. Returns false if requestID was already seen.
func (e *Engine) markSeen(requestID wire.ID) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if _, ok := e.seenSet[requestID]; ok {
		return false
	}
	elem := e.seenList.PushBack(requestID)
	e.seenSet[requestID] = elem
	if e.seenList.Len() > MaxSeenRequests {
		oldest := e.seenList.Front()
		e.seenList.Remove(oldest)
		delete(e.seenSet, oldest.Value.(wire.ID))
	}
	return true
}

func reverseHopPath(path []wire.ID) []wire.ID {
	out := make([]wire.ID, len(path))
	for i, id := range path {
		out[len(path)-1-i] = id
	}
	return out
}

// HandleRouteRequest implements the RREQ-arrival half of route
// discovery: dedup, install a reverse route, and either reply, proxy
// reply, or rebroadcast.
func (e *Engine) HandleRouteRequest(ctx context.Context, from wire.ID, req wire.RouteRequest) error {
	if !e.markSeen(req.RequestID) {
		return nil
	}

	e.mu.Lock()
	e.reverseRoutes[req.Origin] = from
	e.mu.Unlock()

	e.table.Install(RouteEntry{
		Dest:      req.Origin,
		NextHop:   from,
		HopCount:  req.HopCount + 1,
		HopPath:   reverseHopPath(req.HopPath),
		ExpiresAt: time.Now().Add(DefaultRouteTTL),
		LastUsed:  time.Now(),
	})

	if req.Dest == e.selfID {
		reply := wire.RouteReply{
			RequestID: req.RequestID,
			Origin:    req.Origin,
			Dest:      req.Dest,
			HopCount:  0,
			HopPath:   []wire.ID{e.selfID},
		}
		return e.transport.SendControl(ctx, from, wire.KindRouteReply, &reply)
	}

	if route, ok := e.table.Lookup(req.Dest); ok && route.IsValid(time.Now()) {
		hopPath := make([]wire.ID, 0, len(req.HopPath)+len(route.HopPath))
		hopPath = append(hopPath, req.HopPath...)
		hopPath = append(hopPath, route.HopPath...)
		reply := wire.RouteReply{
			RequestID: req.RequestID,
			Origin:    req.Origin,
			Dest:      req.Dest,
			HopCount:  route.HopCount,
			HopPath:   hopPath,
		}
		return e.transport.SendControl(ctx, from, wire.KindRouteReply, &reply)
	}

	if req.TTL <= 1 {
		return nil
	}
	fwd := req
	fwd.HopCount++
	fwd.HopPath = append(append([]wire.ID{}, req.HopPath...), e.selfID)
	fwd.TTL--
	exclude := map[wire.ID]bool{from: true, req.Origin: true}
	return e.transport.BroadcastControl(ctx, wire.KindRouteRequest, &fwd, exclude)
}

// HandleRouteReply implements the RREP-arrival half of route discovery:
// install/refresh the route, then either satisfy a local pending
// request or forward the reply back along the reverse route.
func (e *Engine) HandleRouteReply(ctx context.Context, from wire.ID, rep wire.RouteReply) error {
	e.table.Install(RouteEntry{
		Dest:      rep.Dest,
		NextHop:   from,
		HopCount:  rep.HopCount + 1,
		HopPath:   reverseHopPath(rep.HopPath),
		ExpiresAt: time.Now().Add(DefaultRouteTTL),
		LastUsed:  time.Now(),
	})

	if rep.Origin == e.selfID {
		route, _ := e.table.Lookup(rep.Dest)
		e.succeedPending(rep.RequestID, route)
		return nil
	}

	e.mu.Lock()
	next, ok := e.reverseRoutes[rep.Origin]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	fwd := rep
	fwd.HopCount++
	fwd.HopPath = append(append([]wire.ID{}, rep.HopPath...), e.selfID)
	return e.transport.SendControl(ctx, next, wire.KindRouteReply, &fwd)
}

// HandlePeerDisconnect prunes every route that went through gone and
// broadcasts a RouteError announcing the destinations that became
// unreachable as a result.
func (e *Engine) HandlePeerDisconnect(ctx context.Context, gone wire.ID) error {
	affected := e.table.RemoveViaNextHop(gone)
	if len(affected) == 0 {
		return nil
	}
	rerr := wire.RouteError{Unreachable: gone, Affected: affected, TTL: AnnounceTTL}
	return e.transport.BroadcastControl(ctx, wire.KindRouteError, &rerr, map[wire.ID]bool{gone: true})
}

// HandleRouteError prunes locally-held routes after a RouteError and, if
// TTL allows, rebroadcasts. When any announced affected destination is
// routed via from, every route whose next hop is from is removed, not
// only the routes to the affected destinations.
func (e *Engine) HandleRouteError(ctx context.Context, from wire.ID, rerr wire.RouteError) error {
	for _, dest := range rerr.Affected {
		if r, ok := e.table.Lookup(dest); ok && r.NextHop == from {
			e.table.RemoveViaNextHop(from)
			break
		}
	}
	if rerr.TTL <= 1 {
		return nil
	}
	fwd := rerr
	fwd.TTL--
	return e.transport.BroadcastControl(ctx, wire.KindRouteError, &fwd, map[wire.ID]bool{from: true})
}

// AnnouncePeer broadcasts a PeerAnnounce for self, called on every new
// direct connection and periodically thereafter. signingPub and
// agreementPub are this device's long-term public keys; receivers that
// have never paired with this device learn them from the announce.
func (e *Engine) AnnouncePeer(ctx context.Context, displayName string, signingPub, agreementPub []byte) error {
	pa := wire.PeerAnnounce{
		Self:         e.selfID,
		DisplayName:  displayName,
		SigningPub:   signingPub,
		AgreementPub: agreementPub,
		HopCount:     0,
		TTL:          AnnounceTTL,
	}
	return e.transport.BroadcastControl(ctx, wire.KindPeerAnnounce, &pa, nil)
}

// HandlePeerAnnounce installs or shortens a route to the announced peer
// and forwards the announcement if its TTL allows.
func (e *Engine) HandlePeerAnnounce(ctx context.Context, from wire.ID, pa wire.PeerAnnounce) error {
	if pa.Self == e.selfID {
		return nil
	}
	hopPath := []wire.ID{e.selfID, from}
	hopCount := pa.HopCount
	if pa.Self != from {
		hopPath = append(hopPath, pa.Self)
		hopCount++
	}
	e.table.Install(RouteEntry{
		Dest:      pa.Self,
		NextHop:   from,
		HopCount:  hopCount,
		HopPath:   hopPath,
		ExpiresAt: time.Now().Add(DefaultRouteTTL),
		LastUsed:  time.Now(),
	})
	if pa.TTL <= 1 {
		return nil
	}
	fwd := pa
	fwd.HopCount++
	fwd.TTL--
	return e.transport.BroadcastControl(ctx, wire.KindPeerAnnounce, &fwd, map[wire.ID]bool{from: true})
}

// SweepLoop runs the periodic route-expiry sweep until stop is closed.
func (e *Engine) SweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.table.Sweep(now)
		case <-stop:
			return
		}
	}
}
