package types

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfig invalid or missing configuration. Fatal at startup
	ErrConfig = errors.New("invalid configuration")

	// ErrAlreadyStarting start requested while broker is starting
	ErrAlreadyStarting = errors.New("broker is already starting")

	// ErrNotRunning operation requires running broker
	ErrNotRunning = errors.New("broker is not running")

	// ErrSessionConflict client id already owned by an active connection.
	// Resolved by takeover and never returned to the connecting client
	ErrSessionConflict = errors.New("session taken over by new connection")

	// ErrDeliveryTimeout delivery record exhausted its retry budget
	ErrDeliveryTimeout = errors.New("delivery not acknowledged within retry budget")

	// ErrPersistenceIO persistence store unavailable
	ErrPersistenceIO = errors.New("persistence store unavailable")

	// ErrInvalidQoS QoS outside 0..2
	ErrInvalidQoS = errors.New("invalid QoS")

	// ErrInvalidTopic topic name is empty or contains wildcards
	ErrInvalidTopic = errors.New("invalid topic name")

	// ErrInvalidFilter malformed topic filter
	ErrInvalidFilter = errors.New("invalid topic filter")

	// ErrInvalidClientID client id rejected
	ErrInvalidClientID = errors.New("invalid client id")

	// ErrNotFound object not found
	ErrNotFound = errors.New("not found")
)

// BindError transport could not bind its endpoint
type BindError struct {
	Transport string
	Addr      string
	Err       error
}

func (e *BindError) Error() string {
	return "bind " + e.Transport + "://" + e.Addr + ": " + e.Err.Error()
}

// Unwrap returns underlying network error
func (e *BindError) Unwrap() error {
	return e.Err
}

// Cause implements causer of github.com/pkg/errors
func (e *BindError) Cause() error {
	return e.Err
}

// ConfigError wraps ErrConfig with offending key
func ConfigError(key string, format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfig, "%s: %s", key, fmt.Sprintf(format, args...))
}

// PersistenceError wraps storage failure into ErrPersistenceIO while keeping original message
func PersistenceError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrPersistenceIO) {
		return err
	}

	return &persistenceError{err: err}
}

type persistenceError struct {
	err error
}

func (e *persistenceError) Error() string {
	return ErrPersistenceIO.Error() + ": " + e.err.Error()
}

func (e *persistenceError) Is(target error) bool {
	return target == ErrPersistenceIO
}

func (e *persistenceError) Unwrap() error {
	return e.err
}
