// Package relay implements the mesh's forwarding/dedup layer: the
// seen-set that gives at-most-once delivery to the application, and the
// relay decision tree, jitter scheduling, and K-of-N fanout that keep
// rebroadcast storms bounded.
package relay

import (
	"sync"
	"time"

	"github.com/meshcore/meshcore/wire"
)

// SeenRetention is how long a fingerprint is remembered before the GC
// sweep forgets it.
const SeenRetention = 5 * time.Minute

// IngressLink identifies the direct connection an envelope first arrived
// on, distinguishing the two BLE GATT roles a link can be established
// in.
type IngressLink struct {
	Role LinkRole
	Peer wire.ID
}

// LinkRole mirrors the two roles a BLE GATT connection can be
// established in; which side first delivered an envelope determines
// which link must never be used to relay it back.
type LinkRole uint8

const (
	RoleCentral LinkRole = iota
	RolePeripheral
)

// Fingerprint uniquely identifies one envelope instance across the
// mesh: id || origin || sequence. Two envelopes with the same
// fingerprint are the same message, however many times it has been
// relayed.
type Fingerprint [wire.IDSize*2 + 8]byte

// MakeFingerprint computes the fingerprint for one envelope.
func MakeFingerprint(id, origin wire.ID, sequence uint64) Fingerprint {
	var fp Fingerprint
	copy(fp[:wire.IDSize], id[:])
	copy(fp[wire.IDSize:2*wire.IDSize], origin[:])
	for i := 0; i < 8; i++ {
		fp[2*wire.IDSize+i] = byte(sequence >> (56 - 8*i))
	}
	return fp
}

type seenEntry struct {
	firstSeen time.Time
	ingress   IngressLink
}

// SeenSet is the atomic check-and-insert dedup table: the first sighting
// of a fingerprint records its ingress link and returns true; every
// later sighting returns false.
type SeenSet struct {
	mu      sync.Mutex
	entries map[Fingerprint]seenEntry
}

// NewSeenSet creates an empty seen-set.
func NewSeenSet() *SeenSet {
	return &SeenSet{entries: make(map[Fingerprint]seenEntry)}
}

// CheckAndInsert reports whether fp is new, recording its ingress link if
// so. This is the single choke point all dedup decisions go through.
func (s *SeenSet) CheckAndInsert(fp Fingerprint, ingress IngressLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fp]; ok {
		return false
	}
	s.entries[fp] = seenEntry{firstSeen: time.Now(), ingress: ingress}
	return true
}

// IngressOf returns the ingress link recorded for fp, if known.
func (s *SeenSet) IngressOf(fp Fingerprint) (IngressLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[fp]
	return e.ingress, ok
}

// GC evicts entries older than SeenRetention.
func (s *SeenSet) GC(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fp, e := range s.entries {
		if now.Sub(e.firstSeen) > SeenRetention {
			delete(s.entries, fp)
		}
	}
}

// GCLoop runs GC on a ticker until stop is closed.
func (s *SeenSet) GCLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.GC(now)
		case <-stop:
			return
		}
	}
}

// Len reports the number of tracked fingerprints, for tests/metrics.
func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
