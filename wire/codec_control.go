package wire

import "fmt"

// maxHopPath bounds every hop-path-shaped field on decode; it is one
// larger than MaxTTL to allow the origin plus MaxTTL forwardings.
const maxHopPath = int(MaxTTL) + 1

func encodeRouteRequest(v *RouteRequest) []byte {
	w := &cursor{}
	w.id(v.RequestID)
	w.id(v.Origin)
	w.id(v.Dest)
	w.u8(v.HopCount)
	w.idList(v.HopPath)
	w.u8(v.TTL)
	return w.buf
}

func decodeRouteRequest(r *reader) (*RouteRequest, error) {
	v := &RouteRequest{}
	var err error
	if v.RequestID, err = r.id(); err != nil {
		return nil, err
	}
	if v.Origin, err = r.id(); err != nil {
		return nil, err
	}
	if v.Dest, err = r.id(); err != nil {
		return nil, err
	}
	if v.HopCount, err = r.u8(); err != nil {
		return nil, err
	}
	if v.HopPath, err = r.idList(maxHopPath); err != nil {
		return nil, err
	}
	if v.TTL, err = r.u8(); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeRouteReply(v *RouteReply) []byte {
	w := &cursor{}
	w.id(v.RequestID)
	w.id(v.Origin)
	w.id(v.Dest)
	w.u8(v.HopCount)
	w.idList(v.HopPath)
	return w.buf
}

func decodeRouteReply(r *reader) (*RouteReply, error) {
	v := &RouteReply{}
	var err error
	if v.RequestID, err = r.id(); err != nil {
		return nil, err
	}
	if v.Origin, err = r.id(); err != nil {
		return nil, err
	}
	if v.Dest, err = r.id(); err != nil {
		return nil, err
	}
	if v.HopCount, err = r.u8(); err != nil {
		return nil, err
	}
	if v.HopPath, err = r.idList(maxHopPath); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeRouteError(v *RouteError) []byte {
	w := &cursor{}
	w.id(v.Unreachable)
	w.idList(v.Affected)
	w.u8(v.TTL)
	return w.buf
}

func decodeRouteError(r *reader) (*RouteError, error) {
	v := &RouteError{}
	var err error
	if v.Unreachable, err = r.id(); err != nil {
		return nil, err
	}
	if v.Affected, err = r.idList(0); err != nil {
		return nil, err
	}
	if v.TTL, err = r.u8(); err != nil {
		return nil, err
	}
	return v, nil
}

// maxAnnounceKey bounds each announced public key: a P-256 signing key
// is 64 bytes raw and an agreement key 65 bytes in SEC1 uncompressed
// form, so anything bigger is malformed.
const maxAnnounceKey = 128

func encodePeerAnnounce(v *PeerAnnounce) []byte {
	w := &cursor{}
	w.id(v.Self)
	w.str(v.DisplayName)
	w.bytes(v.SigningPub)
	w.bytes(v.AgreementPub)
	w.u8(v.HopCount)
	w.u8(v.TTL)
	return w.buf
}

func decodePeerAnnounce(r *reader) (*PeerAnnounce, error) {
	v := &PeerAnnounce{}
	var err error
	if v.Self, err = r.id(); err != nil {
		return nil, err
	}
	if v.DisplayName, err = r.str(); err != nil {
		return nil, err
	}
	if v.SigningPub, err = r.bytesField(maxAnnounceKey); err != nil {
		return nil, err
	}
	if v.AgreementPub, err = r.bytesField(maxAnnounceKey); err != nil {
		return nil, err
	}
	if v.HopCount, err = r.u8(); err != nil {
		return nil, err
	}
	if v.TTL, err = r.u8(); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeDeliveryAck(v *DeliveryAck) []byte {
	w := &cursor{}
	w.id(v.MessageID)
	w.id(v.ReceiverID)
	w.u8(v.TTL)
	return w.buf
}

func decodeDeliveryAck(r *reader) (*DeliveryAck, error) {
	v := &DeliveryAck{}
	var err error
	if v.MessageID, err = r.id(); err != nil {
		return nil, err
	}
	if v.ReceiverID, err = r.id(); err != nil {
		return nil, err
	}
	if v.TTL, err = r.u8(); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeReadReceipt(v *ReadReceipt) []byte {
	w := &cursor{}
	w.id(v.MessageID)
	w.id(v.ReceiverID)
	w.u8(v.TTL)
	return w.buf
}

func decodeReadReceipt(r *reader) (*ReadReceipt, error) {
	v := &ReadReceipt{}
	var err error
	if v.MessageID, err = r.id(); err != nil {
		return nil, err
	}
	if v.ReceiverID, err = r.id(); err != nil {
		return nil, err
	}
	if v.TTL, err = r.u8(); err != nil {
		return nil, err
	}
	return v, nil
}

func encodeGroupKeyDistribute(v *GroupKeyDistribute) []byte {
	w := &cursor{}
	w.id(v.GroupID)
	w.bytes(v.Ciphertext)
	w.buf = append(w.buf, v.Nonce[:]...)
	w.buf = append(w.buf, v.Tag[:]...)
	return w.buf
}

func decodeGroupKeyDistribute(r *reader) (*GroupKeyDistribute, error) {
	v := &GroupKeyDistribute{}
	var err error
	if v.GroupID, err = r.id(); err != nil {
		return nil, err
	}
	if v.Ciphertext, err = r.bytesField(MaxEnvelopeSize); err != nil {
		return nil, err
	}
	if err := r.need(len(v.Nonce)); err != nil {
		return nil, err
	}
	copy(v.Nonce[:], r.buf[r.pos:])
	r.pos += len(v.Nonce)
	if err := r.need(len(v.Tag)); err != nil {
		return nil, err
	}
	copy(v.Tag[:], r.buf[r.pos:])
	r.pos += len(v.Tag)
	return v, nil
}

// EncodeControl serializes any control-message variant with its kind
// discriminator prefixed, ready to become an Envelope payload.
func EncodeControl(kind Kind, v interface{}) ([]byte, error) {
	var body []byte
	switch kind {
	case KindRouteRequest:
		body = encodeRouteRequest(v.(*RouteRequest))
	case KindRouteReply:
		body = encodeRouteReply(v.(*RouteReply))
	case KindRouteError:
		body = encodeRouteError(v.(*RouteError))
	case KindPeerAnnounce:
		body = encodePeerAnnounce(v.(*PeerAnnounce))
	case KindDeliveryAck:
		body = encodeDeliveryAck(v.(*DeliveryAck))
	case KindReadReceipt:
		body = encodeReadReceipt(v.(*ReadReceipt))
	case KindGroupKeyDistribute:
		body = encodeGroupKeyDistribute(v.(*GroupKeyDistribute))
	default:
		return nil, fmt.Errorf("wire: unknown control kind %d", kind)
	}
	w := &cursor{}
	w.u8(uint8(kind))
	w.buf = append(w.buf, body...)
	return w.buf, nil
}

// PeekControlKind reads a control payload's kind discriminator without
// decoding the body, for relay decisions that only need to classify the
// message (routing control is re-originated per hop by the routing
// engine; directed control like acks rides the generic relay path).
func PeekControlKind(payload []byte) (Kind, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	k := Kind(payload[0])
	if k < KindRouteRequest || k > KindGroupKeyDistribute {
		return 0, false
	}
	return k, true
}

// DecodeControl parses a control message previously produced by
// EncodeControl. Unknown trailing fields are a hard error: control
// messages never tolerate forward-compatible slop.
func DecodeControl(b []byte) (Kind, interface{}, error) {
	r := newReader(b)
	kindByte, err := r.u8()
	if err != nil {
		return 0, nil, decodeErr("control.kind", err)
	}
	kind := Kind(kindByte)

	var v interface{}
	switch kind {
	case KindRouteRequest:
		v, err = decodeRouteRequest(r)
	case KindRouteReply:
		v, err = decodeRouteReply(r)
	case KindRouteError:
		v, err = decodeRouteError(r)
	case KindPeerAnnounce:
		v, err = decodePeerAnnounce(r)
	case KindDeliveryAck:
		v, err = decodeDeliveryAck(r)
	case KindReadReceipt:
		v, err = decodeReadReceipt(r)
	case KindGroupKeyDistribute:
		v, err = decodeGroupKeyDistribute(r)
	default:
		return 0, nil, decodeErr("control", fmt.Errorf("unknown kind %d", kind))
	}
	if err != nil {
		return 0, nil, decodeErr("control", err)
	}
	if !r.atEnd() {
		return 0, nil, decodeErr("control", errUnknownField)
	}
	return kind, v, nil
}
