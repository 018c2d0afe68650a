package persistenceTypes

// BoltDBConfig configuration of the BoltDB backend
type BoltDBConfig struct {
	File string
}

// BadgerConfig configuration of the BadgerDB backend
type BadgerConfig struct {
	Dir string
	// SyncWrites fsync every commit
	SyncWrites bool
}

// MemConfig configuration of the in memory backend
type MemConfig struct{}

var _ ProviderConfig = (*BoltDBConfig)(nil)
var _ ProviderConfig = (*BadgerConfig)(nil)
var _ ProviderConfig = (*MemConfig)(nil)
