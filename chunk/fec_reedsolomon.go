package chunk

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// rsProtector tolerates up to parityShards erasures anywhere in the
// group, at the cost of transmitting parityShards extra packets per
// dataShards data packets.
type rsProtector struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

func newReedSolomonProtector(dataShards, parityShards int) (Protector, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("chunk: creating reed-solomon encoder: %w", err)
	}
	return &rsProtector{enc: enc, dataShards: dataShards, parityShards: parityShards}, nil
}

func (r *rsProtector) Algorithm() Algorithm { return ReedSolomon }
func (r *rsProtector) NumDataShards() int   { return r.dataShards }
func (r *rsProtector) TotalShards() int     { return r.dataShards + r.parityShards }

func (r *rsProtector) Encode(source []Packet) ([]Packet, error) {
	if len(source) != r.dataShards {
		return nil, fmt.Errorf("chunk: reed-solomon encode expected %d shards, got %d", r.dataShards, len(source))
	}
	maxLen := 0
	for _, p := range source {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}
	shards := make([][]byte, r.dataShards+r.parityShards)
	for i, p := range source {
		padded := make([]byte, maxLen)
		copy(padded, p)
		shards[i] = padded
	}
	for i := r.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, maxLen)
	}
	if err := r.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("chunk: reed-solomon encode: %w", err)
	}
	out := make([]Packet, len(shards))
	for i, s := range shards {
		out[i] = Packet(s)
	}
	return out, nil
}

func (r *rsProtector) Decode(received []Packet) ([]Packet, error) {
	if len(received) != r.dataShards+r.parityShards {
		return nil, fmt.Errorf("chunk: reed-solomon decode expected %d shards, got %d", r.dataShards+r.parityShards, len(received))
	}
	shards := make([][]byte, len(received))
	for i, p := range received {
		if p != nil {
			shards[i] = []byte(p)
		}
	}
	if err := r.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("chunk: reed-solomon reconstruct: %w", err)
	}
	out := make([]Packet, r.dataShards)
	for i := 0; i < r.dataShards; i++ {
		out[i] = Packet(shards[i])
	}
	return out, nil
}
