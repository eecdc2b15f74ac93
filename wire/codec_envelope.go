package wire

import "time"

// EncodeEnvelope produces the canonical byte encoding of e. The same
// logical envelope always yields identical bytes regardless of process
// or platform, which signing depends on.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	w := &cursor{}
	w.id(e.ID)
	w.id(e.Origin)
	w.optID(e.Dest)
	w.optID(e.Conversation)
	w.u64(uint64(e.Timestamp.UnixMilli()))
	w.u64(e.Sequence)
	w.u8(e.TTL)
	w.idList(e.HopPath)
	w.u8(uint8(e.Flags))
	w.bytes(e.Payload)
	w.bytes(e.Signature)
	if len(w.buf) > MaxEnvelopeSize {
		return nil, ErrEnvelopeTooLarge
	}
	return w.buf, nil
}

// DecodeEnvelope parses the canonical encoding produced by EncodeEnvelope.
// Trailing bytes are tolerated only when the envelope is an unsigned,
// non-control user payload, the one forward-compatible variant the codec
// allows; every other shape is a hard decode error, matching the
// signed/control strictness the wire format requires.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	if len(b) > MaxEnvelopeSize {
		return nil, decodeErr("envelope", ErrEnvelopeTooLarge)
	}
	r := newReader(b)
	e := &Envelope{}

	var err error
	if e.ID, err = r.id(); err != nil {
		return nil, decodeErr("envelope.id", err)
	}
	if e.Origin, err = r.id(); err != nil {
		return nil, decodeErr("envelope.origin", err)
	}
	if e.Dest, err = r.optID(); err != nil {
		return nil, decodeErr("envelope.dest", err)
	}
	if e.Conversation, err = r.optID(); err != nil {
		return nil, decodeErr("envelope.conversation", err)
	}
	ms, err := r.u64()
	if err != nil {
		return nil, decodeErr("envelope.timestamp", err)
	}
	e.Timestamp = time.UnixMilli(int64(ms)).UTC()
	if e.Sequence, err = r.u64(); err != nil {
		return nil, decodeErr("envelope.sequence", err)
	}
	ttl, err := r.u8()
	if err != nil {
		return nil, decodeErr("envelope.ttl", err)
	}
	e.TTL = ttl
	if e.HopPath, err = r.idList(int(MaxTTL) + 1); err != nil {
		return nil, decodeErr("envelope.hopPath", err)
	}
	flags, err := r.u8()
	if err != nil {
		return nil, decodeErr("envelope.flags", err)
	}
	e.Flags = Flags(flags)
	if e.Payload, err = r.bytesField(MaxEnvelopeSize); err != nil {
		return nil, decodeErr("envelope.payload", err)
	}
	if e.Signature, err = r.bytesField(256); err != nil {
		return nil, decodeErr("envelope.signature", err)
	}
	if len(e.Signature) == 0 {
		e.Signature = nil
	}

	signedOrControl := len(e.Signature) > 0 || e.Flags.Has(FlagControl)
	if signedOrControl && !r.atEnd() {
		return nil, decodeErr("envelope", errUnknownField)
	}

	if err := e.Validate(); err != nil {
		return nil, decodeErr("envelope", err)
	}
	return e, nil
}

// SigningInput returns the exact byte sequence signed by cryptoengine
// and verified on receipt: id, origin, optional dest, timestamp
// (milliseconds, 8 bytes big-endian), sequence (8 bytes big-endian).
// Every field is fixed-width binary: a text layout would drag locale
// and formatting differences into the signature.
func SigningInput(e *Envelope) []byte {
	w := &cursor{}
	w.id(e.ID)
	w.id(e.Origin)
	w.optID(e.Dest)
	w.u64(uint64(e.Timestamp.UnixMilli()))
	w.u64(e.Sequence)
	return w.buf
}
