package delivery

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/meshcore/meshcore/wire"
)

// DefaultQueueCapacity bounds how many spooled envelopes are kept per
// destination; the oldest is dropped once a destination's queue is full.
const DefaultQueueCapacity = 100

// ItemExpiry is how long a spooled envelope is kept before it is
// dropped as stale, even if the destination never reappears.
const ItemExpiry = time.Hour

type queuedItem struct {
	env      *wire.Envelope
	queuedAt time.Time
}

// OfflineQueue holds outbound envelopes for destinations with no
// currently known route, flushing them once a route appears.
type OfflineQueue struct {
	mu       sync.Mutex
	capacity int
	queues   map[wire.ID][]queuedItem
}

// NewOfflineQueue creates an empty offline queue with the given
// per-destination capacity.
func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &OfflineQueue{capacity: capacity, queues: make(map[wire.ID][]queuedItem)}
}

// Enqueue admits env to dest's queue, dropping the oldest item if the
// queue is already at capacity.
func (q *OfflineQueue) Enqueue(dest wire.ID, env *wire.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[dest]
	if len(items) >= q.capacity {
		items = items[1:]
	}
	q.queues[dest] = append(items, queuedItem{env: env, queuedAt: time.Now()})
}

// Flush removes and returns every non-expired envelope queued for dest,
// called on peerConnected(dest) (or when a route via dest becomes
// available).
func (q *OfflineQueue) Flush(dest wire.ID) []*wire.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, ok := q.queues[dest]
	if !ok {
		return nil
	}
	delete(q.queues, dest)

	now := time.Now()
	out := make([]*wire.Envelope, 0, len(items))
	for _, item := range items {
		if now.Sub(item.queuedAt) > ItemExpiry {
			continue
		}
		out = append(out, item.env)
	}
	return out
}

// ExpireAll drops every item older than ItemExpiry across all
// destinations, the periodic maintenance sweep's counterpart for the
// offline queue.
func (q *OfflineQueue) ExpireAll(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for dest, items := range q.queues {
		fresh := items[:0]
		for _, item := range items {
			if now.Sub(item.queuedAt) <= ItemExpiry {
				fresh = append(fresh, item)
			}
		}
		if len(fresh) == 0 {
			delete(q.queues, dest)
		} else {
			q.queues[dest] = fresh
		}
	}
}

// Len reports how many envelopes are queued for dest.
func (q *OfflineQueue) Len(dest wire.ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[dest])
}

// Snapshot serializes the queue's full contents for SecureStore
// persistence, so spooled messages survive a process restart.
func (q *OfflineQueue) Snapshot() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(q.queues)))
	for dest, items := range q.queues {
		buf = append(buf, dest[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(items)))
		for _, item := range items {
			encoded, err := wire.EncodeEnvelope(item.env)
			if err != nil {
				return nil, err
			}
			buf = binary.BigEndian.AppendUint64(buf, uint64(item.queuedAt.UnixMilli()))
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(encoded)))
			buf = append(buf, encoded...)
		}
	}
	return buf, nil
}

// Restore repopulates the queue from a Snapshot taken by a previous
// process. Items that expired while the process was down are skipped;
// a truncated or malformed snapshot aborts with an error, leaving
// whatever was restored so far in place.
func (q *OfflineQueue) Restore(snapshot []byte) error {
	now := time.Now()
	pos := 0
	need := func(n int) bool { return len(snapshot)-pos >= n }

	if !need(4) {
		return errSnapshotTruncated
	}
	numDests := binary.BigEndian.Uint32(snapshot[pos:])
	pos += 4

	for d := uint32(0); d < numDests; d++ {
		if !need(wire.IDSize + 4) {
			return errSnapshotTruncated
		}
		var dest wire.ID
		copy(dest[:], snapshot[pos:pos+wire.IDSize])
		pos += wire.IDSize
		numItems := binary.BigEndian.Uint32(snapshot[pos:])
		pos += 4

		for i := uint32(0); i < numItems; i++ {
			if !need(12) {
				return errSnapshotTruncated
			}
			queuedAt := time.UnixMilli(int64(binary.BigEndian.Uint64(snapshot[pos:])))
			envLen := int(binary.BigEndian.Uint32(snapshot[pos+8:]))
			pos += 12
			if !need(envLen) {
				return errSnapshotTruncated
			}
			env, err := wire.DecodeEnvelope(snapshot[pos : pos+envLen])
			pos += envLen
			if err != nil {
				return err
			}
			if now.Sub(queuedAt) > ItemExpiry {
				continue
			}
			q.mu.Lock()
			items := q.queues[dest]
			if len(items) < q.capacity {
				q.queues[dest] = append(items, queuedItem{env: env, queuedAt: queuedAt})
			}
			q.mu.Unlock()
		}
	}
	return nil
}

var errSnapshotTruncated = errors.New("delivery: offline queue snapshot truncated")
