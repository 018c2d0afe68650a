package persistence

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/marcestarlet/embroker/persistence/badger"
	"github.com/marcestarlet/embroker/persistence/bolt"
	"github.com/marcestarlet/embroker/persistence/mem"
	"github.com/marcestarlet/embroker/persistence/types"
	"github.com/marcestarlet/embroker/types"
)

// Strategy names accepted by NewConfig
const (
	Mem    = "mem"
	Bolt   = "bolt"
	Badger = "badger"
)

const boltFile = "embroker.db"

// Normalize maps configured strategy name and its aliases to one of Mem, Bolt, Badger.
// Disabled persistence always yields Mem
func Normalize(kind string, enabled bool) (string, error) {
	if !enabled {
		return Mem, nil
	}

	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "mem", "memory":
		return Mem, nil
	case "bolt", "boltdb", "kahadb", "durable":
		return Bolt, nil
	case "badger", "badgerdb":
		return Badger, nil
	}

	return "", types.ConfigError("persistence.type", "unknown strategy %q", kind)
}

// NewConfig builds provider config for given strategy name.
// Durable strategies keep their files under dir
func NewConfig(kind string, enabled bool, dir string) (persistenceTypes.ProviderConfig, error) {
	name, err := Normalize(kind, enabled)
	if err != nil {
		return nil, err
	}

	switch name {
	case Bolt:
		if dir == "" {
			return nil, types.ConfigError("persistence.dir", "required for %s", name)
		}

		return &persistenceTypes.BoltDBConfig{File: filepath.Join(dir, boltFile)}, nil
	case Badger:
		if dir == "" {
			return nil, types.ConfigError("persistence.dir", "required for %s", name)
		}

		return &persistenceTypes.BadgerConfig{Dir: dir}, nil
	}

	return &persistenceTypes.MemConfig{}, nil
}

// New persistence provider
func New(config persistenceTypes.ProviderConfig) (persistenceTypes.Provider, error) {
	if config == nil {
		return nil, persistenceTypes.ErrInvalidArgs
	}

	switch cfg := config.(type) {
	case *persistenceTypes.MemConfig:
		return mem.New(cfg)
	case *persistenceTypes.BoltDBConfig:
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return nil, types.PersistenceError(err)
		}

		p, err := bolt.New(cfg)
		if err != nil {
			return nil, types.PersistenceError(err)
		}

		return p, nil
	case *persistenceTypes.BadgerConfig:
		if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
			return nil, types.PersistenceError(err)
		}

		p, err := badger.New(cfg)
		if err != nil {
			return nil, types.PersistenceError(err)
		}

		return p, nil
	default:
		return nil, persistenceTypes.ErrUnknownProvider
	}
}
