package chunk

import (
	"errors"

	"github.com/meshcore/meshcore/wire"
)

// ErrMTUTooSmall is returned when the MTU leaves no room for a chunk
// header plus at least one payload byte.
var ErrMTUTooSmall = errors.New("chunk: mtu too small for chunk header")

// chunkHeaderOverhead is the number of bytes EncodeChunk spends on
// everything but the payload: message id (16) + index (2) + total (2) +
// flags (1) + payload length prefix (4).
const chunkHeaderOverhead = wire.IDSize + 2 + 2 + 1 + 4

// Chunker fragments serialized envelope bytes into MTU-sized wire chunks.
type Chunker struct{}

// NewChunker constructs a Chunker. It carries no state; MTU and FEC
// policy are supplied per call, since they can vary per destination link.
func NewChunker() *Chunker { return &Chunker{} }

// Split fragments payload into a finite, ordered sequence of chunks
// sharing messageID, with monotonically increasing Index and a shared
// Total. A payload that already fits in one chunk after MTU is always
// one chunk with Total=1, per the data model.
func (c *Chunker) Split(messageID wire.ID, payload []byte, mtu int) ([]wire.Chunk, error) {
	payloadMax := mtu - chunkHeaderOverhead
	if payloadMax <= 0 {
		return nil, ErrMTUTooSmall
	}
	if len(payload) == 0 {
		return []wire.Chunk{{MessageID: messageID, Index: 0, Total: 1, Flags: wire.ChunkFlagFinal, Payload: []byte{}}}, nil
	}

	total := (len(payload) + payloadMax - 1) / payloadMax
	chunks := make([]wire.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * payloadMax
		end := start + payloadMax
		if end > len(payload) {
			end = len(payload)
		}
		slice := make([]byte, end-start)
		copy(slice, payload[start:end])

		var flags wire.ChunkFlags
		if i == total-1 {
			flags |= wire.ChunkFlagFinal
		}
		chunks = append(chunks, wire.Chunk{
			MessageID: messageID,
			Index:     uint16(i),
			Total:     uint16(total),
			Flags:     flags,
			Payload:   slice,
		})
	}
	return chunks, nil
}

// PayloadCapacity returns the maximum data bytes a single chunk can
// carry under the given MTU, after the fixed chunk header overhead.
func PayloadCapacity(mtu int) int {
	cap := mtu - chunkHeaderOverhead
	if cap < 0 {
		return 0
	}
	return cap
}
