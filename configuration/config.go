package configuration

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/marcestarlet/embroker/persistence"
	"github.com/marcestarlet/embroker/types"
)

// Transport names known to the broker
const (
	TransportTCP  = "tcp"
	TransportMQTT = "mqtt"
	TransportWS   = "ws"
)

// DefaultConfig Load minimum working configuration to allow
// server start without user provided one
func DefaultConfig() *Config {
	c := Config{}
	if err := yaml.Unmarshal(defaultConfig, &c); err != nil {
		panic(err.Error())
	}

	return &c
}

// ReadConfig read service configuration from file given by --config flag
// or EMBROKER_CONFIG environment variable. Without file defaults are used
func ReadConfig() (*Config, error) {
	log := GetHumanLogger()
	log.Info("loading config")

	if !flag.Parsed() {
		flag.Parse()
	}

	if len(configFile) == 0 {
		log.Info("No config file provided. Use --config option or EMBROKER_CONFIG environment variable to provide own")
		log.Debug("default config: \n", string(defaultConfig))
	}

	return LoadConfig(configFile)
}

// LoadConfig overlays file content onto DefaultConfig and validates result.
// Empty path yields validated defaults
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	if len(path) != 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(types.ErrConfig, "read %s: %s", path, err.Error())
		}

		// transports given by file replace default set instead of merging into it
		peek := struct {
			Listeners struct {
				Transports map[string]yaml.Node `yaml:"transports"`
			} `yaml:"listeners"`
		}{}

		if err = yaml.Unmarshal(data, &peek); err != nil {
			return nil, errors.Wrapf(types.ErrConfig, "parse %s: %s", path, err.Error())
		}

		if peek.Listeners.Transports != nil {
			c.Listeners.Transports = nil
		}

		if err = yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(types.ErrConfig, "parse %s: %s", path, err.Error())
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate returns ConfigError naming the first offending key
func (c *Config) Validate() error {
	if len(c.Broker.Name) == 0 {
		return types.ConfigError("broker.name", "must not be empty")
	}

	if len(c.Listeners.Transports) == 0 {
		return types.ConfigError("listeners.transports", "at least one transport required")
	}

	for name, t := range c.Listeners.Transports {
		key := "listeners.transports." + name

		switch name {
		case TransportTCP, TransportMQTT, TransportWS:
		default:
			return types.ConfigError(key, "unknown transport")
		}

		if t == nil {
			return types.ConfigError(key, "empty")
		}

		if t.Port < 0 || t.Port > 65535 {
			return types.ConfigError(key+".port", "%d out of range", t.Port)
		}

		if t.AcceptRate < 0 {
			return types.ConfigError(key+".acceptRate", "must not be negative")
		}

		if t.TLS != nil && name == TransportWS {
			return types.ConfigError(key+".tls", "not supported")
		}
	}

	if c.Listeners.MaxConnections < 0 {
		return types.ConfigError("listeners.maxConnections", "must not be negative")
	}

	if _, err := persistence.Normalize(c.Persistence.Type, c.Persistence.Enabled); err != nil {
		return err
	}

	if c.Delivery.AckTimeout <= 0 {
		return types.ConfigError("delivery.ackTimeout", "must be positive")
	}

	if c.Delivery.RetryInterval <= 0 {
		return types.ConfigError("delivery.retryInterval", "must be positive")
	}

	if c.Delivery.MaxRetries < 1 {
		return types.ConfigError("delivery.maxRetries", "must be at least 1")
	}

	if c.Delivery.MaxInflight < 0 {
		return types.ConfigError("delivery.maxInflight", "must not be negative")
	}

	if c.Delivery.WriteTimeout < 0 {
		return types.ConfigError("delivery.writeTimeout", "must not be negative")
	}

	if c.Delivery.MaxQoS < 0 || c.Delivery.MaxQoS > int(types.QoS2) {
		return types.ConfigError("delivery.maxQoS", "%d out of range", c.Delivery.MaxQoS)
	}

	if c.Sessions.ConnectTimeout < 0 || c.Sessions.KeepAlive < 0 || c.Sessions.Expiry < 0 {
		return types.ConfigError("sessions", "durations must not be negative")
	}

	if c.Monitoring.SysInterval < 0 {
		return types.ConfigError("monitoring.sysInterval", "must not be negative")
	}

	return nil
}
