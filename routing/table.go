// Package routing implements the mesh's reactive, AODV-inspired routing
// engine: a destination routing table, a reverse-route cache for
// in-flight discoveries, route-request deduplication, and the
// discovery/maintenance state machine.
package routing

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/meshcore/meshcore/wire"
)

// DefaultRouteTTL is how long a newly installed or refreshed route stays
// valid before the periodic sweep evicts it.
const DefaultRouteTTL = 300 * time.Second

// SweepInterval is how often the table scans for expired routes.
const SweepInterval = 60 * time.Second

// MinReliability is the success-rate floor below which a route is
// treated as invalid (forcing rediscovery) even though it remains in
// the table until it naturally expires.
const MinReliability = 0.3

// RouteEntry describes one known path to a destination.
type RouteEntry struct {
	Dest      wire.ID
	NextHop   wire.ID
	HopCount  uint8
	HopPath   []wire.ID
	ExpiresAt time.Time
	LastUsed  time.Time

	successes uint32
	failures  uint32
}

// Reliability returns the empirical success rate of this route. A route
// with no history yet is optimistically reliable.
func (r *RouteEntry) Reliability() float64 {
	total := r.successes + r.failures
	if total == 0 {
		return 1.0
	}
	return float64(r.successes) / float64(total)
}

// IsValid reports whether r should be used for a new send: not expired,
// and not so unreliable it should be rediscovered instead.
func (r *RouteEntry) IsValid(now time.Time) bool {
	if now.After(r.ExpiresAt) {
		return false
	}
	return r.Reliability() > MinReliability
}

// expiryItem is the btree.Item backing Table's ordered-by-expiry index.
// Destinations are flat device IDs with no prefix structure to index
// on, so expiry time is the one ordered dimension worth a tree: the
// periodic sweep range-scans the low end instead of walking the whole
// route map.
type expiryItem struct {
	expiresAt time.Time
	dest      wire.ID
}

func (a expiryItem) Less(than btree.Item) bool {
	b := than.(expiryItem)
	if a.expiresAt.Equal(b.expiresAt) {
		return lessID(a.dest, b.dest)
	}
	return a.expiresAt.Before(b.expiresAt)
}

func lessID(a, b wire.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Table is the destination routing table: destination -> RouteEntry,
// plus an expiry-ordered index for O(log n) sweeps.
type Table struct {
	mu       sync.Mutex
	routes   map[wire.ID]*RouteEntry
	byExpiry *btree.BTree
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		routes:   make(map[wire.ID]*RouteEntry),
		byExpiry: btree.New(32),
	}
}

// Lookup returns the current route entry for dest, if any, and whether
// one exists (regardless of validity; callers check IsValid themselves).
func (t *Table) Lookup(dest wire.ID) (*RouteEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[dest]
	return r, ok
}

// Install inserts or replaces the route to candidate.Dest according to
// the tie-breaking rule: prefer lower hopCount; on ties, prefer the
// fresher (later LastUsed); an expired incumbent always loses to a valid
// candidate. Returns true if the candidate was installed.
func (t *Table) Install(candidate RouteEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	existing, ok := t.routes[candidate.Dest]
	if ok {
		if existing.IsValid(now) {
			switch {
			case candidate.HopCount > existing.HopCount:
				return false
			case candidate.HopCount == existing.HopCount && !candidate.LastUsed.After(existing.LastUsed):
				return false
			}
		}
		t.byExpiry.Delete(expiryItem{expiresAt: existing.ExpiresAt, dest: existing.Dest})
	}

	entry := candidate
	t.routes[entry.Dest] = &entry
	t.byExpiry.ReplaceOrInsert(expiryItem{expiresAt: entry.ExpiresAt, dest: entry.Dest})
	return true
}

// MarkUsed extends dest's route expiry by DefaultRouteTTL, the
// maintenance step that keeps an actively-used route from expiring out
// from under ongoing traffic.
func (t *Table) MarkUsed(dest wire.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[dest]
	if !ok {
		return
	}
	t.byExpiry.Delete(expiryItem{expiresAt: r.ExpiresAt, dest: r.Dest})
	now := time.Now()
	r.LastUsed = now
	r.ExpiresAt = now.Add(DefaultRouteTTL)
	t.byExpiry.ReplaceOrInsert(expiryItem{expiresAt: r.ExpiresAt, dest: r.Dest})
}

// RecordSuccess and RecordFailure update a route's reliability counters.
func (t *Table) RecordSuccess(dest wire.ID) { t.record(dest, true) }
func (t *Table) RecordFailure(dest wire.ID) { t.record(dest, false) }

func (t *Table) record(dest wire.ID, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[dest]
	if !ok {
		return
	}
	if success {
		r.successes++
	} else {
		r.failures++
	}
}

// RemoveViaNextHop deletes every route whose next hop is gone, returning
// the list of destinations that became unreachable as a result: the
// set a RouteError should announce.
func (t *Table) RemoveViaNextHop(gone wire.ID) []wire.ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var affected []wire.ID
	for dest, r := range t.routes {
		if r.NextHop == gone {
			affected = append(affected, dest)
			t.byExpiry.Delete(expiryItem{expiresAt: r.ExpiresAt, dest: r.Dest})
			delete(t.routes, dest)
		}
	}
	return affected
}

// Sweep evicts every route that expired before now, walking the
// expiry-ordered index from its low end instead of the full route map.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []expiryItem
	t.byExpiry.Ascend(func(item btree.Item) bool {
		ei := item.(expiryItem)
		if ei.expiresAt.After(now) {
			return false
		}
		expired = append(expired, ei)
		return true
	})
	for _, ei := range expired {
		t.byExpiry.Delete(ei)
		delete(t.routes, ei.dest)
	}
}

// Len reports the number of destinations currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}

var errSnapshotTruncated = errors.New("routing: table snapshot truncated")

// Snapshot serializes the table for SecureStore persistence, the
// optional warm-restart path: a restarting node resumes with its known
// routes instead of rediscovering every destination from scratch.
func (t *Table) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.routes)))
	for _, r := range t.routes {
		buf = append(buf, r.Dest[:]...)
		buf = append(buf, r.NextHop[:]...)
		buf = append(buf, r.HopCount)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.HopPath)))
		for _, hop := range r.HopPath {
			buf = append(buf, hop[:]...)
		}
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.ExpiresAt.UnixMilli()))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.LastUsed.UnixMilli()))
		buf = binary.BigEndian.AppendUint32(buf, r.successes)
		buf = binary.BigEndian.AppendUint32(buf, r.failures)
	}
	return buf
}

// Restore repopulates the table from a Snapshot taken by a previous
// process, skipping entries that expired while the process was down.
func (t *Table) Restore(snapshot []byte) error {
	now := time.Now()
	pos := 0
	need := func(n int) bool { return len(snapshot)-pos >= n }
	readID := func() wire.ID {
		var id wire.ID
		copy(id[:], snapshot[pos:pos+wire.IDSize])
		pos += wire.IDSize
		return id
	}

	if !need(4) {
		return errSnapshotTruncated
	}
	count := binary.BigEndian.Uint32(snapshot[pos:])
	pos += 4

	for i := uint32(0); i < count; i++ {
		if !need(2*wire.IDSize + 3) {
			return errSnapshotTruncated
		}
		entry := RouteEntry{Dest: readID(), NextHop: readID()}
		entry.HopCount = snapshot[pos]
		pos++
		pathLen := int(binary.BigEndian.Uint16(snapshot[pos:]))
		pos += 2
		if !need(pathLen*wire.IDSize + 24) {
			return errSnapshotTruncated
		}
		entry.HopPath = make([]wire.ID, pathLen)
		for j := range entry.HopPath {
			entry.HopPath[j] = readID()
		}
		entry.ExpiresAt = time.UnixMilli(int64(binary.BigEndian.Uint64(snapshot[pos:])))
		entry.LastUsed = time.UnixMilli(int64(binary.BigEndian.Uint64(snapshot[pos+8:])))
		entry.successes = binary.BigEndian.Uint32(snapshot[pos+16:])
		entry.failures = binary.BigEndian.Uint32(snapshot[pos+20:])
		pos += 24

		if now.After(entry.ExpiresAt) {
			continue
		}
		t.Install(entry)
	}
	return nil
}
