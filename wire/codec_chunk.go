package wire

// EncodeChunk produces the canonical byte encoding of a chunk.
func EncodeChunk(c *Chunk) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	w := &cursor{}
	w.id(c.MessageID)
	w.u16(c.Index)
	w.u16(c.Total)
	w.u8(uint8(c.Flags))
	w.bytes(c.Payload)
	return w.buf, nil
}

// DecodeChunk parses the canonical encoding produced by EncodeChunk.
// Chunks are not authenticated at this layer (content authenticity is
// checked one layer up, after reassembly and decryption), so decoding is
// purely structural.
func DecodeChunk(b []byte) (*Chunk, error) {
	r := newReader(b)
	c := &Chunk{}
	var err error
	if c.MessageID, err = r.id(); err != nil {
		return nil, decodeErr("chunk.messageID", err)
	}
	if c.Index, err = r.u16(); err != nil {
		return nil, decodeErr("chunk.index", err)
	}
	if c.Total, err = r.u16(); err != nil {
		return nil, decodeErr("chunk.total", err)
	}
	flags, err := r.u8()
	if err != nil {
		return nil, decodeErr("chunk.flags", err)
	}
	c.Flags = ChunkFlags(flags)
	if c.Payload, err = r.bytesField(MaxEnvelopeSize); err != nil {
		return nil, decodeErr("chunk.payload", err)
	}
	if !r.atEnd() {
		return nil, decodeErr("chunk", errUnknownField)
	}
	if err := c.Validate(); err != nil {
		return nil, decodeErr("chunk", err)
	}
	return c, nil
}
