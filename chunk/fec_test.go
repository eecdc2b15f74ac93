package chunk

import (
	"bytes"
	"testing"
)

func makeShards(n, size int) []Packet {
	shards := make([]Packet, n)
	for i := range shards {
		shards[i] = make(Packet, size)
		for j := range shards[i] {
			shards[i][j] = byte(i*31 + j)
		}
	}
	return shards
}

func TestSelectAlgorithmThresholds(t *testing.T) {
	cases := []struct {
		loss float64
		want Algorithm
	}{
		{0.0, None},
		{0.01, None},
		{0.03, XOR},
		{0.15, ReedSolomon},
		{0.5, RaptorQ},
	}
	for _, c := range cases {
		if got := SelectAlgorithm(c.loss); got != c.want {
			t.Errorf("SelectAlgorithm(%v) = %v, want %v", c.loss, got, c.want)
		}
	}
}

func TestXORProtectorRecoversSingleErasure(t *testing.T) {
	p, err := newXORProtector(4)
	if err != nil {
		t.Fatal(err)
	}
	source := makeShards(4, 16)
	encoded, err := p.Encode(source)
	if err != nil {
		t.Fatal(err)
	}
	encoded[2] = nil // erase one data shard
	got, err := p.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	for i := range source {
		if !bytes.Equal(got[i], source[i]) {
			t.Fatalf("shard %d mismatch after xor recovery", i)
		}
	}
}

func TestReedSolomonProtectorRecoversErasures(t *testing.T) {
	p, err := newReedSolomonProtector(6, 3)
	if err != nil {
		t.Fatal(err)
	}
	source := makeShards(6, 32)
	encoded, err := p.Encode(source)
	if err != nil {
		t.Fatal(err)
	}
	encoded[0] = nil
	encoded[4] = nil
	encoded[7] = nil
	got, err := p.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	for i := range source {
		if !bytes.Equal(got[i], source[i]) {
			t.Fatalf("shard %d mismatch after reed-solomon recovery", i)
		}
	}
}

func TestRaptorQProtectorRoundTrip(t *testing.T) {
	p, err := newRaptorQProtector(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	source := makeShards(4, 64)
	encoded, err := p.Encode(source)
	if err != nil {
		t.Fatal(err)
	}
	// Drop one source symbol; the repair symbols should make up for it.
	encoded[1] = nil
	got, err := p.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	for i := range source {
		if !bytes.Equal(got[i], source[i]) {
			t.Fatalf("shard %d mismatch after raptorq recovery", i)
		}
	}
}
