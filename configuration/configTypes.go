package configuration

import (
	"crypto/tls"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ConsoleLogConfig entry in system.log.console
type ConsoleLogConfig struct {
	Level     string           `yaml:"level,omitempty"`
	Timestamp *TimestampConfig `yaml:"timestamp,omitempty"`
}

// TimestampConfig entry in system.log.console.timestamp
type TimestampConfig struct {
	Format string `yaml:"format,omitempty"`
}

// LogConfig entry in system.log
type LogConfig struct {
	Console ConsoleLogConfig `yaml:"console,omitempty"`
}

// SystemConfig entry in system
type SystemConfig struct {
	Log LogConfig `yaml:"log,omitempty"`
}

// BrokerConfig entry in broker
type BrokerConfig struct {
	Name string `yaml:"name,omitempty"`
}

// TLSConfig used by tcp and mqtt listeners
type TLSConfig struct {
	Cert string `yaml:"cert,omitempty"`
	Key  string `yaml:"key,omitempty"`
}

// TransportConfig entry in listeners.transports.<name>
type TransportConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port"`
	// Path websocket upgrade path
	Path string     `yaml:"path,omitempty"`
	TLS  *TLSConfig `yaml:"tls,omitempty"`
	// AcceptRate new connections per second, 0 disables limit
	AcceptRate  float64 `yaml:"acceptRate,omitempty"`
	AcceptBurst int     `yaml:"acceptBurst,omitempty"`
}

// ListenersConfig entry in listeners
type ListenersConfig struct {
	DefaultAddr string `yaml:"defaultAddr,omitempty"`
	// TolerateFailures start broker if at least one listener bound
	TolerateFailures bool `yaml:"tolerateFailures,omitempty"`
	// MaxConnections per listener, 0 unlimited
	MaxConnections int                         `yaml:"maxConnections,omitempty"`
	MaxPacketSize  uint32                      `yaml:"maxPacketSize,omitempty"`
	Transports     map[string]*TransportConfig `yaml:"transports,omitempty"`
}

// PersistenceConfig entry in persistence
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type,omitempty"`
	Dir     string `yaml:"dir,omitempty"`
}

// DeliveryConfig entry in delivery
type DeliveryConfig struct {
	AckTimeout    time.Duration `yaml:"ackTimeout,omitempty"`
	RetryInterval time.Duration `yaml:"retryInterval,omitempty"`
	MaxRetries    int           `yaml:"maxRetries,omitempty"`
	// MaxInflight sent but unacknowledged deliveries per session, 0 unlimited
	MaxInflight  int           `yaml:"maxInflight,omitempty"`
	OfflineQoS0  bool          `yaml:"offlineQoS0,omitempty"`
	DrainTimeout time.Duration `yaml:"drainTimeout,omitempty"`
	// WriteTimeout limits one write to client, 0 disables
	WriteTimeout time.Duration `yaml:"writeTimeout,omitempty"`
	MaxQoS       int           `yaml:"maxQoS,omitempty"`
}

// SessionsConfig entry in sessions
type SessionsConfig struct {
	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty"`
	// KeepAlive used when client does not request one
	KeepAlive time.Duration `yaml:"keepAlive,omitempty"`
	// Expiry of offline durable sessions, 0 keeps them until expired explicitly
	Expiry time.Duration `yaml:"expiry,omitempty"`
}

// MonitoringConfig entry in monitoring
type MonitoringConfig struct {
	Addr string `yaml:"addr,omitempty"`
	// SysInterval period of $SYS tree updates, 0 disables tree
	SysInterval time.Duration `yaml:"sysInterval,omitempty"`
}

// Config system-wide config
type Config struct {
	Version     string            `yaml:"version,omitempty"`
	Broker      BrokerConfig      `yaml:"broker,omitempty"`
	System      SystemConfig      `yaml:"system,omitempty"`
	Listeners   ListenersConfig   `yaml:"listeners,omitempty"`
	Persistence PersistenceConfig `yaml:"persistence,omitempty"`
	Delivery    DeliveryConfig    `yaml:"delivery,omitempty"`
	Sessions    SessionsConfig    `yaml:"sessions,omitempty"`
	Monitoring  MonitoringConfig  `yaml:"monitoring,omitempty"`
}

// Validate TLS pair and load it
func (t *TLSConfig) Validate() (tls.Certificate, error) {
	if len(t.Cert) == 0 {
		return tls.Certificate{}, errors.New("empty certificate name")
	}

	if len(t.Key) == 0 {
		return tls.Certificate{}, errors.New("empty key name")
	}

	certPEMBlock, err := os.ReadFile(t.Cert)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "tls: read certificate: "+t.Cert)
	}

	keyPEMBlock, err := os.ReadFile(t.Key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "tls: read key: "+t.Key)
	}

	return tls.X509KeyPair(certPEMBlock, keyPEMBlock)
}

// LoadConfig tls config with loaded certificate
func (t *TLSConfig) LoadConfig() (*tls.Config, error) {
	certs, err := t.Validate()
	if err != nil {
		return nil, err
	}

	c := &tls.Config{}

	c.Certificates = append(c.Certificates, certs)

	return c, nil
}
