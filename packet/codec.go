package packet

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/marcestarlet/embroker/types"
)

var (
	// ErrMalformed frame could not be decoded
	ErrMalformed = errors.New("packet: malformed frame")
	// ErrTooLarge frame exceeds configured size limit
	ErrTooLarge = errors.New("packet: frame too large")
	// ErrUnknownType frame type is not supported
	ErrUnknownType = errors.New("packet: unknown frame type")
)

// DefaultMaxSize largest remaining length representable by a 4 byte varint
const DefaultMaxSize = 268435455

const (
	maskFlagRetain byte = 0x01
	maskFlagQoS    byte = 0x06
	maskFlagDup    byte = 0x08
	maskConnClean  byte = 0x02
	maskAckPresent byte = 0x01
)

// Encode frame into wire representation
//
// Fixed header: 1 byte (type << 4 | flags) followed by remaining length
// as base-128 varint of at most 4 bytes
func Encode(f Frame) ([]byte, error) {
	var flags byte
	var body []byte

	switch p := f.(type) {
	case *Connect:
		body = make([]byte, 0, 5+len(p.ClientID))
		body = binary.BigEndian.AppendUint16(body, p.KeepAlive)
		var cf byte
		if p.CleanSession {
			cf |= maskConnClean
		}
		body = append(body, cf)
		body = appendString(body, p.ClientID)
	case *ConnAck:
		var af byte
		if p.SessionPresent {
			af |= maskAckPresent
		}
		body = []byte{af, byte(p.Code)}
	case *Publish:
		if !p.QoS.IsValid() {
			return nil, types.ErrInvalidQoS
		}

		flags = byte(p.QoS) << 1
		if p.Retain {
			flags |= maskFlagRetain
		}
		if p.Dup {
			flags |= maskFlagDup
		}

		body = make([]byte, 0, 10+len(p.Topic)+len(p.Payload))
		body = appendString(body, p.Topic)
		if p.QoS > types.QoS0 {
			body = binary.BigEndian.AppendUint64(body, p.ID)
		}
		body = append(body, p.Payload...)
	case *Ack:
		if !p.Kind.IsAck() {
			return nil, ErrUnknownType
		}
		body = binary.BigEndian.AppendUint64(nil, p.ID)
	case *Subscribe:
		body = binary.BigEndian.AppendUint64(nil, p.ID)
		for _, s := range p.Subscriptions {
			body = appendString(body, s.Filter)
			body = append(body, byte(s.QoS))
		}
	case *SubAck:
		body = binary.BigEndian.AppendUint64(nil, p.ID)
		for _, q := range p.Granted {
			body = append(body, byte(q))
		}
	case *Unsubscribe:
		body = binary.BigEndian.AppendUint64(nil, p.ID)
		for _, filter := range p.Filters {
			body = appendString(body, filter)
		}
	case *PingReq, *PingResp, *Disconnect:
	default:
		return nil, ErrUnknownType
	}

	if len(body) > DefaultMaxSize {
		return nil, ErrTooLarge
	}

	buf := make([]byte, 0, 1+binary.MaxVarintLen32+len(body))
	buf = append(buf, byte(f.Type())<<4|flags)
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	buf = append(buf, body...)

	return buf, nil
}

// WriteFrame encode frame and write it in one call
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}

	_, err = w.Write(buf)
	return err
}

// ReadFrame read exactly one frame from reader.
// maxSize limits remaining length, 0 means DefaultMaxSize
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}

	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	var remLen uint32
	var shift uint
	for i := 0; ; i++ {
		if i == 4 {
			return nil, errors.Wrap(ErrMalformed, "remaining length exceeds 4 bytes")
		}

		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}

		remLen |= uint32(b[0]&0x7F) << shift
		if b[0] < 0x80 {
			break
		}
		shift += 7
	}

	if remLen > maxSize {
		return nil, ErrTooLarge
	}

	body := make([]byte, remLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return decodeBody(Type(hdr[0]>>4), hdr[0]&0x0F, body)
}

// Decode frame from complete buffer
func Decode(buf []byte) (Frame, error) {
	if len(buf) < 2 {
		return nil, ErrMalformed
	}

	remLen, n := binary.Uvarint(buf[1:])
	if n <= 0 || n > 4 {
		return nil, ErrMalformed
	}

	if uint64(len(buf)-1-n) != remLen {
		return nil, errors.Wrap(ErrMalformed, "remaining length mismatch")
	}

	return decodeBody(Type(buf[0]>>4), buf[0]&0x0F, buf[1+n:])
}

func decodeBody(t Type, flags byte, body []byte) (Frame, error) {
	d := decoder{buf: body}

	if t != PUBLISH && flags != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%s: unexpected flags %#x", t, flags)
	}

	var f Frame

	switch t {
	case CONNECT:
		p := &Connect{}
		p.KeepAlive = d.readUint16()
		p.CleanSession = d.readByte()&maskConnClean != 0
		p.ClientID = d.readString()
		f = p
	case CONNACK:
		p := &ConnAck{}
		p.SessionPresent = d.readByte()&maskAckPresent != 0
		p.Code = ReturnCode(d.readByte())
		f = p
	case PUBLISH:
		p := &Publish{
			QoS:    types.QosType((flags & maskFlagQoS) >> 1),
			Retain: flags&maskFlagRetain != 0,
			Dup:    flags&maskFlagDup != 0,
		}

		if !p.QoS.IsValid() {
			return nil, types.ErrInvalidQoS
		}

		p.Topic = d.readString()
		if p.QoS > types.QoS0 {
			p.ID = d.readUint64()
		}
		p.Payload = d.rest()
		f = p
	case PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK:
		f = &Ack{Kind: t, ID: d.readUint64()}
	case SUBSCRIBE:
		p := &Subscribe{ID: d.readUint64()}
		for d.err == nil && d.remaining() > 0 {
			s := Subscription{Filter: d.readString()}
			s.QoS = types.QosType(d.readByte())
			p.Subscriptions = append(p.Subscriptions, s)
		}
		if d.err == nil && len(p.Subscriptions) == 0 {
			return nil, errors.Wrap(ErrMalformed, "SUBSCRIBE without filters")
		}
		f = p
	case SUBACK:
		p := &SubAck{ID: d.readUint64()}
		for _, b := range d.rest() {
			p.Granted = append(p.Granted, types.QosType(b))
		}
		f = p
	case UNSUBSCRIBE:
		p := &Unsubscribe{ID: d.readUint64()}
		for d.err == nil && d.remaining() > 0 {
			p.Filters = append(p.Filters, d.readString())
		}
		if d.err == nil && len(p.Filters) == 0 {
			return nil, errors.Wrap(ErrMalformed, "UNSUBSCRIBE without filters")
		}
		f = p
	case PINGREQ:
		f = &PingReq{}
	case PINGRESP:
		f = &PingResp{}
	case DISCONNECT:
		f = &Disconnect{}
	default:
		return nil, errors.Wrapf(ErrUnknownType, "type %d", byte(t))
	}

	if d.err != nil {
		return nil, errors.Wrapf(d.err, "decode %s", t)
	}

	if d.remaining() != 0 {
		return nil, errors.Wrapf(ErrMalformed, "%s: %d trailing bytes", t, d.remaining())
	}

	return f, nil
}

func appendString(buf []byte, s string) []byte {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// decoder sticky-error reader over frame body
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if d.remaining() < n {
		d.err = ErrMalformed
		return nil
	}

	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) readByte() byte {
	if b := d.take(1); b != nil {
		return b[0]
	}

	return 0
}

func (d *decoder) readUint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}

	return 0
}

func (d *decoder) readUint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}

	return 0
}

func (d *decoder) readString() string {
	l := int(d.readUint16())
	if b := d.take(l); b != nil {
		return string(b)
	}

	return ""
}

func (d *decoder) rest() []byte {
	if d.err != nil || d.remaining() == 0 {
		return nil
	}

	b := make([]byte, d.remaining())
	copy(b, d.buf[d.off:])
	d.off = len(d.buf)

	return b
}
