package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/marcestarlet/embroker/types"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()

	require.NoError(t, c.Validate())
	require.Equal(t, "embroker", c.Broker.Name)
	require.Equal(t, 61616, c.Listeners.Transports[TransportTCP].Port)
	require.Equal(t, 1883, c.Listeners.Transports[TransportMQTT].Port)
	require.True(t, c.Persistence.Enabled)
	require.Equal(t, "bolt", c.Persistence.Type)
	require.Equal(t, "./data", c.Persistence.Dir)
	require.Equal(t, 10*time.Second, c.Delivery.AckTimeout)
	require.Equal(t, time.Second, c.Delivery.RetryInterval)
	require.Equal(t, 5, c.Delivery.MaxRetries)
	require.Equal(t, 10*time.Second, c.Delivery.WriteTimeout)
	require.Equal(t, 2*time.Second, c.Sessions.ConnectTimeout)
	require.Equal(t, "info", c.System.Log.Console.Level)
}

func TestLoadConfigOverlay(t *testing.T) {
	path := writeConfig(t, `
broker:
  name: harness
listeners:
  transports:
    ws:
      port: 8080
      path: /mqtt
persistence:
  enabled: false
  type: kahadb
delivery:
  retryInterval: 250ms
`)

	c, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "harness", c.Broker.Name)
	require.Len(t, c.Listeners.Transports, 1)
	require.Equal(t, 8080, c.Listeners.Transports[TransportWS].Port)
	require.Equal(t, "/mqtt", c.Listeners.Transports[TransportWS].Path)
	require.False(t, c.Persistence.Enabled)
	require.Equal(t, 250*time.Millisecond, c.Delivery.RetryInterval)
	// untouched keys keep defaults
	require.Equal(t, 10*time.Second, c.Delivery.AckTimeout)
	require.Equal(t, "./data", c.Persistence.Dir)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	c, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), c)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown persistence", content: "persistence:\n  type: leveldb\n"},
		{name: "unknown transport", content: "listeners:\n  transports:\n    amqp:\n      port: 5672\n"},
		{name: "port range", content: "listeners:\n  transports:\n    tcp:\n      port: 70000\n"},
		{name: "empty name", content: "broker:\n  name: \"\"\n"},
		{name: "retries", content: "delivery:\n  maxRetries: -1\n"},
		{name: "bad duration", content: "delivery:\n  ackTimeout: soon\n"},
		{name: "qos", content: "delivery:\n  maxQoS: 3\n"},
		{name: "write timeout", content: "delivery:\n  writeTimeout: -1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			require.True(t, errors.Is(err, types.ErrConfig), err.Error())
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, errors.Is(err, types.ErrConfig))
}

func TestConfigureLoggers(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	require.NoError(t, ConfigureLoggers(&LogConfig{Console: ConsoleLogConfig{Level: "debug", Timestamp: &TimestampConfig{Format: "RFC3339"}}}))
	require.NotSame(t, prev, GetLogger())

	require.Error(t, ConfigureLoggers(&LogConfig{Console: ConsoleLogConfig{Level: "loud"}}))
}
