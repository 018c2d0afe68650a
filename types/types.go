package types

import (
	"strconv"
	"time"
)

// QosType QoS level of a message or subscription
type QosType byte

const (
	// QoS0 at most once delivery
	QoS0 QosType = iota
	// QoS1 at least once delivery
	QoS1
	// QoS2 exactly once delivery
	QoS2
)

// QosFailure returned in SUBACK for rejected filters
const QosFailure QosType = 0x80

// IsValid check QoS is 0, 1 or 2
func (q QosType) IsValid() bool {
	return q <= QoS2
}

func (q QosType) String() string {
	if q == QosFailure {
		return "failure"
	}

	return "qos" + strconv.Itoa(int(q))
}

// MinQoS returns lower of two QoS levels
func MinQoS(a, b QosType) QosType {
	if a < b {
		return a
	}

	return b
}

// Message published message. Treated as immutable once it got sequence id
type Message struct {
	// Seq broker-assigned sequence id, strictly increasing across the broker lifetime
	Seq       uint64    `json:"seq"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload,omitempty"`
	QoS       QosType   `json:"qos"`
	Retain    bool      `json:"retain,omitempty"`
	Published time.Time `json:"published"`
}

// Copy returns message with its own payload buffer
func (m *Message) Copy() *Message {
	cp := *m
	if m.Payload != nil {
		cp.Payload = make([]byte, len(m.Payload))
		copy(cp.Payload, m.Payload)
	}

	return &cp
}
