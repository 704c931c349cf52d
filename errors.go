package dbrouter

import "errors"

var (
	// ErrNoUsableEndpoint is returned when no endpoint permitted by the failover policy is online.
	ErrNoUsableEndpoint = errors.New("DBROUTER | no usable endpoint")

	// ErrDuplicateSecondary is returned when two secondaries of one topology share a connection string.
	ErrDuplicateSecondary = errors.New("DBROUTER | duplicate secondary endpoint")

	// ErrConfigurationInvalid is returned when a configuration snapshot cannot produce a valid topology.
	ErrConfigurationInvalid = errors.New("DBROUTER | configuration invalid")

	// ErrUnknownDatabase is returned when a database name has no configuration.
	ErrUnknownDatabase = errors.New("DBROUTER | unknown database")

	// ErrConnClosed is returned when a statement is issued on a connection that is not open.
	ErrConnClosed = errors.New("DBROUTER | connection is closed")
)
