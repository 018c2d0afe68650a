package packet

import (
	"github.com/marcestarlet/embroker/types"
)

// ReturnCode CONNACK return code
type ReturnCode byte

const (
	// CodeAccepted connection accepted
	CodeAccepted ReturnCode = iota
	// CodeRefusedProtocol unsupported protocol
	CodeRefusedProtocol
	// CodeRefusedIdentifier client id rejected
	CodeRefusedIdentifier
	// CodeRefusedUnavailable broker is not able to serve client
	CodeRefusedUnavailable
)

func (c ReturnCode) String() string {
	switch c {
	case CodeAccepted:
		return "accepted"
	case CodeRefusedProtocol:
		return "refused: protocol"
	case CodeRefusedIdentifier:
		return "refused: identifier rejected"
	case CodeRefusedUnavailable:
		return "refused: server unavailable"
	}

	return "refused"
}

// Frame decoded broker frame
type Frame interface {
	Type() Type
}

// Connect CONNECT frame
type Connect struct {
	ClientID     string
	CleanSession bool
	// KeepAlive seconds, 0 disables keep alive
	KeepAlive uint16
}

// ConnAck CONNACK frame
type ConnAck struct {
	Code           ReturnCode
	SessionPresent bool
}

// Publish PUBLISH frame.
// ID is a publisher chosen id for inbound frames and the broker sequence id for outbound ones.
// ID is not encoded for QoS 0
type Publish struct {
	ID      uint64
	Topic   string
	Payload []byte
	QoS     types.QosType
	Retain  bool
	Dup     bool
}

// Ack any of PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK
type Ack struct {
	Kind Type
	ID   uint64
}

// Subscription filter entry of SUBSCRIBE
type Subscription struct {
	Filter string
	QoS    types.QosType
}

// Subscribe SUBSCRIBE frame
type Subscribe struct {
	ID            uint64
	Subscriptions []Subscription
}

// SubAck SUBACK frame. Granted holds QoS per requested filter or QosFailure
type SubAck struct {
	ID      uint64
	Granted []types.QosType
}

// Unsubscribe UNSUBSCRIBE frame
type Unsubscribe struct {
	ID      uint64
	Filters []string
}

// PingReq PINGREQ frame
type PingReq struct{}

// PingResp PINGRESP frame
type PingResp struct{}

// Disconnect DISCONNECT frame
type Disconnect struct{}

// Type CONNECT
func (*Connect) Type() Type { return CONNECT }

// Type CONNACK
func (*ConnAck) Type() Type { return CONNACK }

// Type PUBLISH
func (*Publish) Type() Type { return PUBLISH }

// Type one of ack kinds
func (a *Ack) Type() Type { return a.Kind }

// Type SUBSCRIBE
func (*Subscribe) Type() Type { return SUBSCRIBE }

// Type SUBACK
func (*SubAck) Type() Type { return SUBACK }

// Type UNSUBSCRIBE
func (*Unsubscribe) Type() Type { return UNSUBSCRIBE }

// Type PINGREQ
func (*PingReq) Type() Type { return PINGREQ }

// Type PINGRESP
func (*PingResp) Type() Type { return PINGRESP }

// Type DISCONNECT
func (*Disconnect) Type() Type { return DISCONNECT }

// NewAck allocate ack frame
func NewAck(kind Type, id uint64) *Ack {
	return &Ack{Kind: kind, ID: id}
}
