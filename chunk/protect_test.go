package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/meshcore/meshcore/wire"
)

func TestProtectChunksNoneIsNoOp(t *testing.T) {
	c := NewChunker()
	chunks, err := c.Split(wire.NewID(), []byte("hello"), 182)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	out, err := ProtectChunks(None, chunks)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(chunks) {
		t.Fatalf("expected None to leave the chunk group untouched, got %d chunks, want %d", len(out), len(chunks))
	}
	for _, ch := range out {
		if ch.Flags.Has(wire.ChunkFlagProtected) {
			t.Fatal("unprotected chunk group must not carry ChunkFlagProtected")
		}
	}
}

func TestAssemblerReconstructsFromRepairAfterErasure(t *testing.T) {
	for _, algo := range []Algorithm{XOR, ReedSolomon, RaptorQ} {
		algo := algo
		t.Run(algo.String(), func(t *testing.T) {
			payload := make([]byte, 1200)
			if _, err := rand.Read(payload); err != nil {
				t.Fatal(err)
			}
			id := wire.NewID()
			chunks, err := NewChunker().Split(id, payload, 182)
			if err != nil {
				t.Fatalf("split: %v", err)
			}
			if len(chunks) < 3 {
				t.Fatal("test requires multiple data chunks")
			}

			group, err := ProtectChunks(algo, chunks)
			if err != nil {
				t.Fatalf("protect: %v", err)
			}
			if len(group) <= len(chunks) {
				t.Fatalf("%s did not add any repair chunks", algo)
			}

			// Drop one data chunk; the repair chunks should make up for it.
			dropped := 1
			a := NewAssembler()
			defer a.Close()

			var got []byte
			var done bool
			for i, c := range group {
				if i == dropped {
					continue
				}
				if out, ok := a.AddChunk(&c); ok {
					got, done = out, ok
				}
			}
			if !done {
				t.Fatalf("%s: assembler did not reconstruct the message after one erasure", algo)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("%s: reconstructed payload does not match original", algo)
			}
		})
	}
}

func TestAssemblerFastPathIgnoresUnneededRepair(t *testing.T) {
	payload := []byte("every data chunk arrived, repair shards are unread")
	chunks, err := NewChunker().Split(wire.NewID(), payload, 40)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	group, err := ProtectChunks(XOR, chunks)
	if err != nil {
		t.Fatalf("protect: %v", err)
	}

	a := NewAssembler()
	defer a.Close()
	var got []byte
	var done bool
	for _, c := range group {
		if out, ok := a.AddChunk(&c); ok {
			got, done = out, ok
		}
	}
	if !done || !bytes.Equal(got, payload) {
		t.Fatal("assembling a fully-delivered protected group failed")
	}
}
