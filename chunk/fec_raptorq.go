package chunk

import (
	"errors"
	"fmt"

	"github.com/xssnick/raptorq"
)

// rqProtector is a fountain code: the encoder can produce an effectively
// unbounded stream of repair symbols, and the decoder reconstructs the
// source block from any sufficiently large subset of symbols regardless
// of which ones arrive. The number of repair symbols therefore has no
// fixed answer; repairShardsPerGroup below is just how many we emit per call.
type rqProtector struct {
	symbolSize           uint16
	numSourceSymbols     int
	repairShardsPerGroup int
}

func newRaptorQProtector(numSourcePackets int, symbolSize uint16) (Protector, error) {
	if numSourcePackets <= 0 {
		return nil, errors.New("chunk: raptorq source packet count must be positive")
	}
	if symbolSize == 0 {
		return nil, errors.New("chunk: raptorq symbol size must be positive")
	}
	return &rqProtector{
		symbolSize:           symbolSize,
		numSourceSymbols:     numSourcePackets,
		repairShardsPerGroup: numSourcePackets, // emit one repair symbol per source symbol
	}, nil
}

func (r *rqProtector) Algorithm() Algorithm { return RaptorQ }
func (r *rqProtector) NumDataShards() int   { return r.numSourceSymbols }
func (r *rqProtector) TotalShards() int     { return r.numSourceSymbols + r.repairShardsPerGroup }

func (r *rqProtector) Encode(source []Packet) ([]Packet, error) {
	if len(source) != r.numSourceSymbols {
		return nil, fmt.Errorf("chunk: raptorq encode expected %d shards, got %d", r.numSourceSymbols, len(source))
	}
	payload := make([]byte, 0, r.numSourceSymbols*int(r.symbolSize))
	for i, p := range source {
		if len(p) > int(r.symbolSize) {
			return nil, fmt.Errorf("chunk: raptorq source shard %d exceeds symbol size %d", i, r.symbolSize)
		}
		padded := make([]byte, r.symbolSize)
		copy(padded, p)
		payload = append(payload, padded...)
	}

	rq := raptorq.NewRaptorQ(uint32(r.symbolSize))
	enc, err := rq.CreateEncoder(payload)
	if err != nil {
		return nil, fmt.Errorf("chunk: raptorq encoder: %w", err)
	}

	out := make([]Packet, 0, r.numSourceSymbols+r.repairShardsPerGroup)
	for i := uint32(0); i < uint32(r.numSourceSymbols); i++ {
		out = append(out, Packet(enc.GenSymbol(i)))
	}
	for i := uint32(0); i < uint32(r.repairShardsPerGroup); i++ {
		out = append(out, Packet(enc.GenSymbol(uint32(r.numSourceSymbols)+i)))
	}
	return out, nil
}

// Decode expects received to be indexed by encoding symbol ID: received[i]
// is the symbol generated with ID i (or nil if that symbol never arrived).
// The Chunker/Assembler glue in this package preserves that indexing by
// carrying the symbol ID in the chunk's Index field for repair shards.
func (r *rqProtector) Decode(received []Packet) ([]Packet, error) {
	payloadLen := uint64(r.numSourceSymbols) * uint64(r.symbolSize)
	rq := raptorq.NewRaptorQ(uint32(r.symbolSize))
	dec, err := rq.CreateDecoder(uint32(payloadLen))
	if err != nil {
		return nil, fmt.Errorf("chunk: raptorq decoder: %w", err)
	}

	for id, sym := range received {
		if sym == nil {
			continue
		}
		canAttempt, err := dec.AddSymbol(uint32(id), sym)
		if err != nil {
			continue
		}
		if !canAttempt {
			continue
		}
		ok, data, err := dec.Decode()
		if err != nil {
			return nil, fmt.Errorf("chunk: raptorq decode: %w", err)
		}
		if !ok {
			continue
		}
		out := make([]Packet, r.numSourceSymbols)
		for j := 0; j < r.numSourceSymbols; j++ {
			start := j * int(r.symbolSize)
			end := start + int(r.symbolSize)
			if end > len(data) {
				return nil, fmt.Errorf("chunk: raptorq decode produced short output")
			}
			out[j] = Packet(data[start:end])
		}
		return out, nil
	}
	return nil, errors.New("chunk: raptorq decode did not converge with the received symbols")
}
