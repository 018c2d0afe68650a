package transport

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"net"
	"sync"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/pkg/errors"

	"github.com/marcestarlet/embroker/packet"
	"github.com/marcestarlet/embroker/types"
)

var (
	// ErrConnectRefused CONNECT rejected by protocol validation
	ErrConnectRefused = errors.New("transport: connect refused")

	errNoPacketIDs = errors.New("transport: no free packet identifiers")
)

// packetIDs maps 16-bit MQTT packet identifiers of outbound deliveries to broker sequence ids
type packetIDs struct {
	lock  sync.Mutex
	next  uint16
	bySeq map[uint64]uint16
	byID  map[uint16]uint64
}

func newPacketIDs() *packetIDs {
	return &packetIDs{
		bySeq: make(map[uint64]uint16),
		byID:  make(map[uint16]uint64),
	}
}

// acquire id for sequence, same id is returned while it is in use
func (p *packetIDs) acquire(seq uint64) (uint16, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if id, ok := p.bySeq[seq]; ok {
		return id, nil
	}

	if len(p.byID) >= math.MaxUint16 {
		return 0, errNoPacketIDs
	}

	for {
		p.next++
		if p.next == 0 {
			continue
		}

		if _, used := p.byID[p.next]; !used {
			break
		}
	}

	p.bySeq[seq] = p.next
	p.byID[p.next] = seq

	return p.next, nil
}

func (p *packetIDs) seq(id uint16) uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.byID[id]
}

func (p *packetIDs) release(id uint16) uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	seq, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
		delete(p.bySeq, seq)
	}

	return seq
}

// connMQTT translates MQTT 3.1.1 control packets into broker frames.
// Identifiers of client initiated flows pass through unchanged, identifiers of
// broker initiated flows are mapped to sequence ids
type connMQTT struct {
	net.Conn
	protocol string
	r        *bufio.Reader
	maxSize  uint32
	ids      *packetIDs
	wLock    sync.Mutex
}

var _ Conn = (*connMQTT)(nil)

func newConnMQTT(cn net.Conn, protocol string, maxSize uint32) *connMQTT {
	return &connMQTT{
		Conn:     cn,
		protocol: protocol,
		r:        bufio.NewReader(cn),
		maxSize:  maxSize,
		ids:      newPacketIDs(),
	}
}

// Protocol ...
func (c *connMQTT) Protocol() string {
	return c.protocol
}

// checkSize peeks remaining length of next packet
func (c *connMQTT) checkSize() error {
	if c.maxSize == 0 {
		return nil
	}

	var remLen uint32
	for i := 1; i <= 4; i++ {
		b, err := c.r.Peek(i + 1)
		if err != nil {
			return err
		}

		digit := b[i]
		remLen |= uint32(digit&0x7F) << (7 * uint(i-1))
		if digit&0x80 == 0 {
			if remLen > c.maxSize {
				return packet.ErrTooLarge
			}
			return nil
		}
	}

	return errors.Wrap(packet.ErrMalformed, "remaining length exceeds 4 bytes")
}

// ReadFrame ...
func (c *connMQTT) ReadFrame() (packet.Frame, error) {
	if err := c.checkSize(); err != nil {
		return nil, err
	}

	cp, err := packets.ReadPacket(c.r)
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}

		if _, ok := err.(net.Error); ok {
			return nil, err
		}

		return nil, errors.Wrap(packet.ErrMalformed, err.Error())
	}

	switch p := cp.(type) {
	case *packets.ConnectPacket:
		code := p.Validate()
		switch code {
		case packets.Accepted, packets.ErrRefusedIDRejected:
			// empty client id is judged by session manager
		case packets.ErrProtocolViolation:
			return nil, errors.Wrap(ErrConnectRefused, "protocol violation")
		default:
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.ReturnCode = code
			c.writePacket(ack) // nolint: errcheck
			return nil, errors.Wrapf(ErrConnectRefused, "%s", packets.ConnackReturnCodes[code])
		}

		return &packet.Connect{
			ClientID:     p.ClientIdentifier,
			CleanSession: p.CleanSession,
			KeepAlive:    p.Keepalive,
		}, nil
	case *packets.PublishPacket:
		qos := types.QosType(p.Qos)
		if !qos.IsValid() {
			return nil, types.ErrInvalidQoS
		}

		return &packet.Publish{
			ID:      uint64(p.MessageID),
			Topic:   p.TopicName,
			Payload: p.Payload,
			QoS:     qos,
			Retain:  p.Retain,
			Dup:     p.Dup,
		}, nil
	case *packets.PubackPacket:
		return packet.NewAck(packet.PUBACK, c.ids.release(p.MessageID)), nil
	case *packets.PubrecPacket:
		return packet.NewAck(packet.PUBREC, c.ids.seq(p.MessageID)), nil
	case *packets.PubcompPacket:
		return packet.NewAck(packet.PUBCOMP, c.ids.release(p.MessageID)), nil
	case *packets.PubrelPacket:
		return packet.NewAck(packet.PUBREL, uint64(p.MessageID)), nil
	case *packets.SubscribePacket:
		if len(p.Topics) == 0 || len(p.Topics) != len(p.Qoss) {
			return nil, errors.Wrap(packet.ErrMalformed, "SUBSCRIBE without filters")
		}

		f := &packet.Subscribe{ID: uint64(p.MessageID)}
		for i, topic := range p.Topics {
			f.Subscriptions = append(f.Subscriptions, packet.Subscription{Filter: topic, QoS: types.QosType(p.Qoss[i])})
		}
		return f, nil
	case *packets.UnsubscribePacket:
		if len(p.Topics) == 0 {
			return nil, errors.Wrap(packet.ErrMalformed, "UNSUBSCRIBE without filters")
		}

		return &packet.Unsubscribe{ID: uint64(p.MessageID), Filters: p.Topics}, nil
	case *packets.PingreqPacket:
		return &packet.PingReq{}, nil
	case *packets.DisconnectPacket:
		return &packet.Disconnect{}, nil
	}

	return nil, errors.Wrapf(packet.ErrUnknownType, "%s", cp.String())
}

// WriteFrame ...
func (c *connMQTT) WriteFrame(f packet.Frame) error {
	var cp packets.ControlPacket

	switch p := f.(type) {
	case *packet.ConnAck:
		ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		ack.SessionPresent = p.SessionPresent
		ack.ReturnCode = byte(p.Code)
		cp = ack
	case *packet.Publish:
		pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		pub.TopicName = p.Topic
		pub.Payload = p.Payload
		pub.Qos = byte(p.QoS)
		pub.Retain = p.Retain
		pub.Dup = p.Dup

		if p.QoS > types.QoS0 {
			id, err := c.ids.acquire(p.ID)
			if err != nil {
				return err
			}
			pub.MessageID = id
		}
		cp = pub
	case *packet.Ack:
		switch p.Kind {
		case packet.PUBACK:
			ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
			ack.MessageID = uint16(p.ID)
			cp = ack
		case packet.PUBREC:
			ack := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
			ack.MessageID = uint16(p.ID)
			cp = ack
		case packet.PUBCOMP:
			ack := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
			ack.MessageID = uint16(p.ID)
			cp = ack
		case packet.UNSUBACK:
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = uint16(p.ID)
			cp = ack
		case packet.PUBREL:
			// resumed deliveries get id on this connection
			id, err := c.ids.acquire(p.ID)
			if err != nil {
				return err
			}

			rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
			rel.MessageID = id
			cp = rel
		default:
			return packet.ErrUnknownType
		}
	case *packet.SubAck:
		ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		ack.MessageID = uint16(p.ID)
		for _, q := range p.Granted {
			ack.ReturnCodes = append(ack.ReturnCodes, byte(q))
		}
		cp = ack
	case *packet.PingResp:
		cp = packets.NewControlPacket(packets.Pingresp)
	default:
		return packet.ErrUnknownType
	}

	return c.writePacket(cp)
}

// writePacket encodes packet first so it leaves in one write
func (c *connMQTT) writePacket(cp packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := cp.Write(&buf); err != nil {
		return err
	}

	c.wLock.Lock()
	defer c.wLock.Unlock()

	_, err := c.Conn.Write(buf.Bytes())
	return err
}
