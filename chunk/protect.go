package chunk

import (
	"encoding/binary"

	"github.com/meshcore/meshcore/wire"
)

// ProtectChunks wraps a data chunk group (as produced by Chunker.Split)
// with FEC repair chunks chosen by algo, so the Assembler on the
// receiving end can reconstruct lost data chunks up to the algorithm's
// erasure budget. Data chunks are returned unchanged apart from their
// Flags gaining ChunkFlagProtected and the algorithm code; repair chunks
// are appended after them with Index running from len(dataChunks) up.
// algo == None returns dataChunks unchanged.
func ProtectChunks(algo Algorithm, dataChunks []wire.Chunk) ([]wire.Chunk, error) {
	if algo == None || len(dataChunks) == 0 {
		return dataChunks, nil
	}

	shardSize := 0
	for _, c := range dataChunks {
		if n := len(c.Payload) + shardLengthPrefixSize; n > shardSize {
			shardSize = n
		}
	}
	protector, err := NewProtector(algo, len(dataChunks), uint16(shardSize))
	if err != nil {
		return nil, err
	}
	if protector == nil {
		return dataChunks, nil
	}

	source := make([]Packet, len(dataChunks))
	for i, c := range dataChunks {
		source[i] = packShard(c.Payload, shardSize)
	}
	group, err := protector.Encode(source)
	if err != nil {
		return nil, err
	}

	flagBits := wire.ChunkFlagProtected | algorithmFlags(algo)
	out := make([]wire.Chunk, 0, len(group))
	for _, c := range dataChunks {
		c.Flags |= flagBits
		out = append(out, c)
	}
	for i := len(dataChunks); i < len(group); i++ {
		out = append(out, wire.Chunk{
			MessageID: dataChunks[0].MessageID,
			Index:     uint16(i),
			Total:     uint16(len(dataChunks)),
			Flags:     flagBits | wire.ChunkFlagRepair,
			Payload:   group[i],
		})
	}
	return out, nil
}

// shardLengthPrefixSize is the width of the length header packShard
// prepends to each source packet, so a reconstructed shard can be
// trimmed back to its true, pre-padding length.
const shardLengthPrefixSize = 2

func packShard(payload []byte, shardSize int) Packet {
	p := make(Packet, shardSize)
	binary.BigEndian.PutUint16(p[:shardLengthPrefixSize], uint16(len(payload)))
	copy(p[shardLengthPrefixSize:], payload)
	return p
}

func unpackShard(p Packet) []byte {
	if len(p) < shardLengthPrefixSize {
		return nil
	}
	n := int(binary.BigEndian.Uint16(p[:shardLengthPrefixSize]))
	end := shardLengthPrefixSize + n
	if end > len(p) {
		return nil
	}
	return p[shardLengthPrefixSize:end]
}

func algorithmFlags(algo Algorithm) wire.ChunkFlags {
	return wire.ChunkFlags(algo) << wire.ChunkAlgorithmShift
}

func algorithmFromFlags(f wire.ChunkFlags) Algorithm {
	return Algorithm((f >> wire.ChunkAlgorithmShift) & wire.ChunkAlgorithmMask)
}
