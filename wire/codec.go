package wire

import (
	"encoding/binary"
	"errors"
)

// cursor is the shared deterministic binary writer used by every
// Encode* function. Two processes encoding the same logical value
// through the same sequence of cursor calls always produce identical
// bytes, which is required because the envelope signature covers a
// serialized prefix (see SigningInput).
type cursor struct {
	buf []byte
}

func (w *cursor) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *cursor) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *cursor) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *cursor) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *cursor) id(id ID) { w.buf = append(w.buf, id[:]...) }

func (w *cursor) optID(id *ID) {
	if id == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.id(*id)
}

func (w *cursor) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *cursor) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *cursor) idList(ids []ID) {
	w.u16(uint16(len(ids)))
	for _, id := range ids {
		w.id(id)
	}
}

// reader is the matching deterministic decoder. Every read checks bounds
// explicitly and reports errTruncated rather than panicking on a short
// buffer, since the input always comes off the wire.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) error {
	if len(r.buf)-r.pos < n {
		return errTruncated
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) id() (ID, error) {
	var id ID
	if err := r.need(IDSize); err != nil {
		return id, err
	}
	copy(id[:], r.buf[r.pos:r.pos+IDSize])
	r.pos += IDSize
	return id, nil
}

func (r *reader) optID() (*ID, error) {
	present, err := r.u8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	id, err := r.id()
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *reader) bytesField(cap int) ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if cap > 0 && int(n) > cap {
		return nil, errors.New("field exceeds size cap")
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	out := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) idList(capCount int) ([]ID, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if capCount > 0 && int(n) > capCount {
		return nil, errors.New("list exceeds size cap")
	}
	out := make([]ID, n)
	for i := range out {
		out[i], err = r.id()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// atEnd reports whether every byte of the input was consumed. Control
// messages and signed payloads call this to make trailing, unknown data a
// hard decode error; the forward-compatible user-payload path does not.
func (r *reader) atEnd() bool { return r.pos == len(r.buf) }
