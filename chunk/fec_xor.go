package chunk

import (
	"errors"
	"fmt"
)

// xorProtector is the cheapest possible FEC: one parity shard recovers a
// single erasure out of the whole data group.
type xorProtector struct {
	dataShards int
}

func newXORProtector(dataShards int) (Protector, error) {
	if dataShards <= 0 {
		return nil, errors.New("chunk: xor data shard count must be positive")
	}
	return &xorProtector{dataShards: dataShards}, nil
}

func (x *xorProtector) Algorithm() Algorithm { return XOR }
func (x *xorProtector) NumDataShards() int   { return x.dataShards }
func (x *xorProtector) TotalShards() int     { return x.dataShards + 1 }

func (x *xorProtector) Encode(source []Packet) ([]Packet, error) {
	if len(source) != x.dataShards {
		return nil, fmt.Errorf("chunk: xor encode expected %d shards, got %d", x.dataShards, len(source))
	}
	maxLen := 0
	for _, p := range source {
		if p == nil {
			return nil, errors.New("chunk: xor encode given a nil source shard")
		}
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	parity := make(Packet, maxLen)
	for _, p := range source {
		for i := 0; i < len(p); i++ {
			parity[i] ^= p[i]
		}
	}
	out := make([]Packet, x.dataShards+1)
	copy(out, source)
	out[x.dataShards] = parity
	return out, nil
}

func (x *xorProtector) Decode(received []Packet) ([]Packet, error) {
	if len(received) != x.dataShards+1 {
		return nil, fmt.Errorf("chunk: xor decode expected %d shards, got %d", x.dataShards+1, len(received))
	}
	missing := -1
	maxLen := 0
	for i, p := range received {
		if p == nil {
			if missing != -1 {
				return nil, errors.New("chunk: xor can recover at most one missing shard")
			}
			missing = i
			continue
		}
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	if missing == -1 {
		return received[:x.dataShards], nil
	}
	recovered := make(Packet, maxLen)
	for i, p := range received {
		if i == missing {
			continue
		}
		for j := 0; j < len(p); j++ {
			recovered[j] ^= p[j]
		}
	}
	out := make([]Packet, x.dataShards)
	copy(out, received[:x.dataShards])
	if missing < x.dataShards {
		out[missing] = recovered
	}
	return out, nil
}
