package chunk

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/meshcore/meshcore/wire"
)

func TestSplitAssembleRoundTrip(t *testing.T) {
	payload := make([]byte, 3000)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	id := wire.NewID()
	c := NewChunker()

	chunks, err := c.Split(id, payload, 182)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	wantTotal := (len(payload) + PayloadCapacity(182) - 1) / PayloadCapacity(182)
	if len(chunks) != wantTotal {
		t.Fatalf("expected %d chunks, got %d", wantTotal, len(chunks))
	}

	a := NewAssembler()
	defer a.Close()

	var got []byte
	var done bool
	for _, ch := range chunks {
		got, done = a.AddChunk(&ch)
	}
	if !done {
		t.Fatal("assembler did not complete after all chunks added")
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestSplitSinglePayloadIsOneChunk(t *testing.T) {
	c := NewChunker()
	chunks, err := c.Split(wire.NewID(), []byte("short"), 182)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Total != 1 {
		t.Fatalf("expected a single chunk with total 1, got %d chunks total=%d", len(chunks), chunks[0].Total)
	}
}

func TestAssembleOutOfOrder(t *testing.T) {
	payload := []byte("reassembly must not depend on arrival order")
	c := NewChunker()
	chunks, err := c.Split(wire.NewID(), payload, 40)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatal("test requires multiple chunks")
	}

	a := NewAssembler()
	defer a.Close()

	order := []int{}
	for i := len(chunks) - 1; i >= 0; i-- {
		order = append(order, i)
	}
	var got []byte
	var done bool
	for _, idx := range order {
		got, done = a.AddChunk(&chunks[idx])
	}
	if !done || !bytes.Equal(got, payload) {
		t.Fatal("out-of-order reassembly failed")
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	c := NewChunker()
	payload := []byte("duplicate delivery should not corrupt state")
	chunks, err := c.Split(wire.NewID(), payload, 30)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	a := NewAssembler()
	defer a.Close()

	for _, ch := range chunks[:len(chunks)-1] {
		a.AddChunk(&ch)
		a.AddChunk(&ch) // duplicate, must be a no-op
	}
	if a.Pending() != 1 {
		t.Fatalf("expected exactly one pending message, got %d", a.Pending())
	}
	got, done := a.AddChunk(&chunks[len(chunks)-1])
	if !done || !bytes.Equal(got, payload) {
		t.Fatal("final chunk should have completed reassembly")
	}

	// Redelivering a chunk from an already-completed message must not
	// resurrect state for it.
	a.AddChunk(&chunks[0])
	if a.Pending() != 0 {
		t.Fatal("redelivering a chunk from a completed message resurrected state")
	}
}

func TestOmittedChunkNeverAssemblesAndExpires(t *testing.T) {
	c := NewChunker()
	payload := []byte("one missing chunk means no delivery, ever")
	chunks, err := c.Split(wire.NewID(), payload, 30)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatal("test requires multiple chunks")
	}

	a := NewAssembler()
	a.expiry = 20 * time.Millisecond
	defer a.Close()

	for _, ch := range chunks[1:] {
		_, done := a.AddChunk(&ch)
		if done {
			t.Fatal("assembly completed despite a missing chunk")
		}
	}
	if a.Pending() != 1 {
		t.Fatal("expected one pending partial message")
	}

	// The background sweep only ticks every sweepInterval, so run one
	// directly once the shortened expiry has passed.
	time.Sleep(200 * time.Millisecond)
	a.sweep()
	if a.Pending() != 0 {
		t.Fatal("partial state should have expired")
	}
}
