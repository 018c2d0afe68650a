// Package topics deals with topic names, topic filters and subscriptions.
// - "Topic name" is a / separated string that could contain #, + and $
// - / in topic name separates the string into "topic levels"
// - # is a multi-level wildcard, and it must be the last level of the
//   filter. It represents the parent and all children levels.
// - + is a single level wildcard. It must be the only character in the
//   topic level. It represents all names in the current level.
// - $ is a special character that says the topic is a system level topic.
//   Filters starting with a wildcard never match such topics
package topics

import (
	"github.com/marcestarlet/embroker/metrics"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

const (
	// MWC is the multi-level wildcard
	MWC = "#"

	// SWC is the single level wildcard
	SWC = "+"

	// SEP is the topic level separator
	SEP = "/"

	// SYS is the starting character of the system level topics
	SYS = "$"
)

// Subscription matched by topic. One entry per session
type Subscription struct {
	SessionID string
	QoS       types.QosType
}

// Config of topics manager
type Config struct {
	Name string
	// Persist retained messages mirror. nil keeps them in memory only
	Persist     persistenceTypes.Retained
	MetricsSubs metrics.Subscriptions
	// MetricsDeliveries retained counters
	MetricsDeliveries metrics.Deliveries
	// MaxQoS granted to subscribers
	MaxQoS types.QosType
}

// NewConfig config with every QoS allowed and no persistence
func NewConfig() *Config {
	return &Config{
		MaxQoS: types.QoS2,
	}
}

// Provider topic registry
type Provider interface {
	// Subscribe registers or updates filter of session.
	// Returns granted QoS and retained messages matching filter
	Subscribe(sessionID, filter string, qos types.QosType) (types.QosType, []*types.Message, error)
	// UnSubscribe removes filter of session. ErrNotFound if session is not subscribed to it
	UnSubscribe(sessionID, filter string) error
	// UnSubscribeAll removes every filter of session
	UnSubscribeAll(sessionID string) int
	// Subscriptions filters of session with granted QoS
	Subscriptions(sessionID string) map[string]types.QosType
	// Matches sessions interested in topic. Ordered by session id
	Matches(topic string) []Subscription
	// Retain replaces retained message of the topic. Empty payload clears it
	Retain(msg *types.Message) error
	// Retained messages matching filter, ordered by sequence id
	Retained(filter string) []*types.Message
	Shutdown() error
}

// New topic provider
func New(config *Config) (Provider, error) {
	if config == nil {
		return nil, ErrInvalidArgs
	}

	return newRegistry(config)
}
