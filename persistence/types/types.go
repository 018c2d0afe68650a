package persistenceTypes

import (
	"time"

	"github.com/marcestarlet/embroker/types"
)

// Errors persistence errors
type Errors int

const (
	// ErrInvalidArgs invalid arguments provided
	ErrInvalidArgs Errors = iota
	// ErrUnknownProvider if provider is unknown
	ErrUnknownProvider
	// ErrNotFound object not found
	ErrNotFound
	// ErrNotOpen storage is not open
	ErrNotOpen
	// ErrBrokenEntry persisted entry does not meet requirements
	ErrBrokenEntry
)

var errorsDesc = map[Errors]string{
	ErrInvalidArgs:     "persistence: invalid arguments",
	ErrUnknownProvider: "persistence: unknown provider",
	ErrNotFound:        "persistence: not found",
	ErrNotOpen:         "persistence: not open",
	ErrBrokenEntry:     "persistence: broken entry",
}

// Errors description during persistence
func (e Errors) Error() string {
	if s, ok := errorsDesc[e]; ok {
		return s
	}

	return "unknown error"
}

// State of delivery record
type State byte

const (
	// StateUnsent record created, never written to subscriber
	StateUnsent State = iota
	// StateSent PUBLISH written, waiting for PUBACK or PUBREC
	StateSent
	// StateReleased QoS 2 PUBREC received, PUBREL written, waiting for PUBCOMP
	StateReleased
	// StateAcked final acknowledge received. Records in this state are never stored
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateUnsent:
		return "unsent"
	case StateSent:
		return "sent"
	case StateReleased:
		return "released"
	case StateAcked:
		return "acked"
	}

	return "unknown"
}

// Record delivery of one message to one session
type Record struct {
	SessionID string         `json:"sid"`
	Message   *types.Message `json:"msg"`
	// QoS effective delivery QoS, min of published and granted
	QoS      types.QosType `json:"qos"`
	State    State         `json:"state"`
	Attempts int           `json:"attempts"`
}

// Seq sequence id of delivered message
func (r *Record) Seq() uint64 {
	return r.Message.Seq
}

// SessionState persisted state of durable session
type SessionState struct {
	// Disconnected time session went offline. Zero if it never did
	Disconnected time.Time `json:"disconnected"`
}

// Deliveries log of unacknowledged delivery records
type Deliveries interface {
	// Append persist records atomically. Either all or none are stored
	Append(records ...*Record) error
	// Ack remove record. Returns false if it did not exist
	Ack(sessionID string, seq uint64) (bool, error)
	// SetState updates state and attempt counter of existing record
	SetState(sessionID string, seq uint64, state State, attempts int) error
	// Load records of given session in sequence order
	Load(sessionID string) ([]*Record, error)
	// Recover all records in sequence order
	Recover() ([]*Record, error)
	// Purge drops every record of session
	Purge(sessionID string) error
	// LastSequence highest sequence id ever appended or reserved
	LastSequence() (uint64, error)
	// Reserve raises high-water mark to seq. Lower values are ignored
	Reserve(seq uint64) error
}

// Sessions durable sessions
type Sessions interface {
	Store(sessionID string, state *SessionState) error
	Load(func(sessionID string, state *SessionState) error) error
	Delete(sessionID string) error
}

// Subscriptions of durable sessions
type Subscriptions interface {
	Store(sessionID string, filter string, qos types.QosType) error
	Load(func(sessionID string, filter string, qos types.QosType) error) error
	Delete(sessionID string, filter string) error
	// Wipe all subscriptions of session
	Wipe(sessionID string) error
}

// Retained provider for load/store retained messages
type Retained interface {
	Store(msg *types.Message) error
	Delete(topic string) error
	Load() ([]*types.Message, error)
}

// Compactor implemented by backends that need periodic space reclaim
type Compactor interface {
	Compact() error
}

// Provider interface implemented by different backends
type Provider interface {
	Deliveries() (Deliveries, error)
	Sessions() (Sessions, error)
	Subscriptions() (Subscriptions, error)
	Retained() (Retained, error)
	Shutdown() error
}

// ProviderConfig interface implemented by every backend
type ProviderConfig interface{}
