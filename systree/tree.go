// Package systree publishes broker state as retained messages under
// $SYS/embroker/<broker name>. Wildcard filters starting at first level
// never match these topics, clients have to subscribe to $SYS explicitly
package systree

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/types"
)

// Root of every tree topic
const Root = "$SYS/embroker"

// Publisher accepts tree messages. Implemented by delivery engine
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos types.QosType, retain bool) (uint64, error)
}

// Stats sources of dynamic values
type Stats struct {
	// ClientsConnected sessions with attached connection
	ClientsConnected func() uint64
	// SessionsTotal online and offline sessions
	SessionsTotal func() uint64
	// LastSequence last assigned message sequence id
	LastSequence func() uint64
}

// Config of tree
type Config struct {
	Broker    string
	Version   string
	Interval  time.Duration
	Publisher Publisher
	Stats     Stats
}

// Tree periodic publisher of broker state
type Tree struct {
	config Config
	log    *zap.SugaredLogger
	base   string
	values []DynamicValue
	static []DynamicValue

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New allocate tree. Stats functions left nil are not published
func New(config Config) (*Tree, error) {
	if config.Publisher == nil {
		return nil, types.ConfigError("monitoring.sysInterval", "publisher required")
	}

	if config.Interval <= 0 {
		return nil, types.ConfigError("monitoring.sysInterval", "must be positive")
	}

	t := &Tree{
		config: config,
		log:    configuration.GetLogger().Named("systree"),
		base:   Root + "/" + config.Broker,
		quit:   make(chan struct{}),
	}

	t.static = append(t.static, &staticValue{topic: t.base + "/version", value: []byte(config.Version)})

	t.values = append(t.values,
		newDynamicValueUpTime(t.base+"/uptime", time.Now()),
		newDynamicValueCurrentTime(t.base+"/datetime"),
	)

	counters := []struct {
		topic string
		get   func() uint64
	}{
		{"/clients/connected", config.Stats.ClientsConnected},
		{"/sessions/total", config.Stats.SessionsTotal},
		{"/messages/lastSequence", config.Stats.LastSequence},
	}

	for _, c := range counters {
		if c.get != nil {
			t.values = append(t.values, newDynamicValueInteger(t.base+c.topic, c.get))
		}
	}

	return t, nil
}

// Topics every topic the tree publishes to
func (t *Tree) Topics() []string {
	var topics []string
	for _, v := range t.static {
		topics = append(topics, v.Topic())
	}

	for _, v := range t.values {
		topics = append(topics, v.Topic())
	}

	return topics
}

// Start publishes static values once and dynamic ones every interval
func (t *Tree) Start() {
	t.publish(t.static)
	t.publish(t.values)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.quit:
				return
			case <-ticker.C:
				t.publish(t.values)
			}
		}
	}()
}

// Stop update routine
func (t *Tree) Stop() {
	t.once.Do(func() {
		close(t.quit)
	})

	t.wg.Wait()
}

func (t *Tree) publish(values []DynamicValue) {
	for _, v := range values {
		if _, err := t.config.Publisher.Publish(context.Background(), v.Topic(), v.Value(), types.QoS0, true); err != nil {
			t.log.Debugw("Couldn't publish", "topic", v.Topic(), "error", err)
			return
		}
	}
}
