// Package apperrors carries the five error kinds the system's
// propagation policy is defined over: ProtocolError, AuthError,
// StorageError, TransportError, and ConfigError. Each is a distinct
// type so callers can dispatch on kind with errors.As instead of string
// matching, the way the propagation policy requires (log-and-ignore vs.
// surface-and-close vs. fatal vs. connection-scoped).
package apperrors

import "fmt"

// ProtocolError marks a malformed frame: bad JSON, missing fields, or an
// unknown type. Policy: log, ignore, keep the connection open.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// AuthKind distinguishes why an AuthError occurred, for logging and
// metrics granularity. Only UnknownTenant and UnknownUser ever reach
// the wire as a rejection frame; the rest stay internal.
type AuthKind int

const (
	AuthMissingData AuthKind = iota
	AuthMissingAPIKey
	AuthInvalidFormat
	AuthUnknownTenant
	AuthUnknownUser
	AuthDatabaseError
	AuthStorageError
)

// AuthError marks an authentication failure. Policy: emit the rejection
// frame where safe (see the Auth Service), then close the connection
// after the next read.
type AuthError struct {
	Kind   AuthKind
	Reason string
}

func (e *AuthError) Error() string { return "auth error: " + e.Reason }

// StorageError marks a schema, constraint, or pool failure. Policy:
// surface to the caller of the Entity Store; the in-flight frame is
// dropped; the connection continues.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// TransportError marks an outbound channel full, writer failure, or
// socket close. Policy: terminates the affected connection only.
type TransportError struct {
	Reason string
}

func (e *TransportError) Error() string { return "transport error: " + e.Reason }

// ConfigError marks a fatal startup misconfiguration. Policy: the
// process exits non-zero.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }
