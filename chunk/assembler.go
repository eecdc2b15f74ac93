package chunk

import (
	"sync"
	"time"

	"github.com/meshcore/meshcore/wire"
)

// DefaultExpiry is how long a partially-received message is kept before
// its state is swept away, per the data model.
const DefaultExpiry = 30 * time.Second

const sweepInterval = 5 * time.Second

// partial tracks one in-flight message's chunk group. Slots are keyed by
// wire index rather than held in a fixed-size slice, since a protected
// message's repair chunks carry indices at or beyond dataShards (see
// wire.ChunkFlagRepair).
type partial struct {
	dataShards int
	protected  bool
	algorithm  Algorithm
	shardSize  int
	slots      map[uint16][]byte
	firstSeen  time.Time
}

// Assembler reassembles wire chunks into the original serialized envelope
// bytes. It is not authenticated: content authenticity is checked one
// layer up, after wire.DecodeEnvelope and cryptoengine verification.
type Assembler struct {
	mu        sync.Mutex
	messages  map[wire.ID]*partial
	completed map[wire.ID]time.Time
	expiry    time.Duration

	stop chan struct{}
	once sync.Once
}

// NewAssembler constructs an Assembler with the default 30s expiry and
// starts its background sweep goroutine; callers must call Close when
// done to stop it.
func NewAssembler() *Assembler {
	a := &Assembler{
		messages:  make(map[wire.ID]*partial),
		completed: make(map[wire.ID]time.Time),
		expiry:    DefaultExpiry,
		stop:      make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// AddChunk inserts chunk into its message's partial buffer. Inserting a
// chunk index that was already seen for this message is a no-op (idempotent
// insert), satisfying the "duplicate chunk indices are tolerated" and
// "idempotent chunking" invariants. It returns the full reassembled bytes
// and true iff this call completed the message, either because every data
// chunk arrived directly or because enough of the chunk group (data plus
// repair) arrived for the FEC algorithm to reconstruct the rest.
func (a *Assembler) AddChunk(c *wire.Chunk) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, done := a.completed[c.MessageID]; done {
		// A duplicate, retransmitted, or straggling repair chunk for a
		// message already delivered. Drop it instead of resurrecting a
		// fresh partial that can never complete.
		return nil, false
	}

	p, ok := a.messages[c.MessageID]
	if !ok {
		p = &partial{
			dataShards: int(c.Total),
			protected:  c.Flags.Has(wire.ChunkFlagProtected),
			algorithm:  algorithmFromFlags(c.Flags),
			slots:      make(map[uint16][]byte),
			firstSeen:  time.Now(),
		}
		a.messages[c.MessageID] = p
	}
	if _, seen := p.slots[c.Index]; !seen {
		p.slots[c.Index] = c.Payload
		if p.shardSize == 0 && c.Flags.Has(wire.ChunkFlagRepair) {
			p.shardSize = len(c.Payload)
		}
	}

	out, done := p.tryAssemble()
	if done {
		delete(a.messages, c.MessageID)
		a.completed[c.MessageID] = time.Now()
	}
	return out, done
}

// tryAssemble returns the reassembled message once it can, either by
// plain concatenation (every data index present) or, for a protected
// message missing some data chunks, by handing the received shard group
// to the matching Protector.
func (p *partial) tryAssemble() ([]byte, bool) {
	haveAllData := true
	for i := 0; i < p.dataShards; i++ {
		if _, ok := p.slots[uint16(i)]; !ok {
			haveAllData = false
			break
		}
	}
	if haveAllData {
		out := make([]byte, 0)
		for i := 0; i < p.dataShards; i++ {
			out = append(out, p.slots[uint16(i)]...)
		}
		return out, true
	}

	if !p.protected || p.algorithm == None || p.shardSize == 0 {
		return nil, false
	}
	if len(p.slots) < p.dataShards {
		return nil, false
	}

	protector, err := NewProtector(p.algorithm, p.dataShards, uint16(p.shardSize))
	if err != nil || protector == nil {
		return nil, false
	}

	received := make([]Packet, protector.TotalShards())
	for i := 0; i < p.dataShards; i++ {
		if raw, ok := p.slots[uint16(i)]; ok {
			received[i] = packShard(raw, p.shardSize)
		}
	}
	for idx, raw := range p.slots {
		if int(idx) >= p.dataShards && int(idx) < len(received) {
			received[idx] = raw
		}
	}

	recovered, err := protector.Decode(received)
	if err != nil {
		// Not enough shards yet (common for the RaptorQ fountain code,
		// which may need a symbol or two beyond dataShards); wait for
		// the next chunk to arrive and try again.
		return nil, false
	}

	out := make([]byte, 0, p.dataShards*p.shardSize)
	for i := 0; i < p.dataShards; i++ {
		if raw, ok := p.slots[uint16(i)]; ok {
			out = append(out, raw...)
			continue
		}
		out = append(out, unpackShard(recovered[i])...)
	}
	return out, true
}

// Pending reports how many messages currently have in-flight partial
// state, for metrics/tests.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

func (a *Assembler) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Assembler) sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for id, p := range a.messages {
		if now.Sub(p.firstSeen) > a.expiry {
			delete(a.messages, id)
		}
	}
	for id, at := range a.completed {
		if now.Sub(at) > a.expiry {
			delete(a.completed, id)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (a *Assembler) Close() {
	a.once.Do(func() { close(a.stop) })
}
