// Package xerrors holds the daemon's tagged-enum domain errors.
//
// Each category carries a Kind so callers can switch on failure class
// without string-matching. ConfigError and NetworkError also wrap an
// optional underlying cause so errors.Is / errors.As keep working through
// the stack; the other categories carry no cause.
package xerrors

import "fmt"

// Config error kinds.
const (
	ConfigNotFound       = "not_found"
	ConfigParseError     = "parse_error"
	ConfigValidationError = "validation_error"
)

// Network error kinds.
const (
	NetworkBindFailed       = "bind_failed"
	NetworkConnectionFailed = "connection_failed"
	NetworkTimeout          = "timeout"
)

// Protocol error kinds.
const (
	ProtocolInvalidPacket   = "invalid_packet"
	ProtocolInvalidIdentity = "invalid_identity"
	ProtocolVersionMismatch = "version_mismatch"
)

// Pairing error kinds.
const (
	PairingRejected      = "rejected"
	PairingTimeout       = "timeout"
	PairingAlreadyPaired = "already_paired"
	PairingNoPeerCert    = "no_peer_cert"
)

// State error kinds.
const (
	StateInvalidTransition = "invalid_transition"
)

// ConfigError is fatal to daemon bring-up.
type ConfigError struct {
	Kind string
	Msg  string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("config error (%s): %s", e.Kind, e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(kind, msg string, err error) *ConfigError {
	return &ConfigError{Kind: kind, Msg: msg, Err: err}
}

// NetworkError is transient; callers retry at their discretion.
type NetworkError struct {
	Kind string
	Msg  string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network error (%s): %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("network error (%s): %s", e.Kind, e.Msg)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func NewNetworkError(kind, msg string, err error) *NetworkError {
	return &NetworkError{Kind: kind, Msg: msg, Err: err}
}

// ProtocolError signals a dropped packet or, for invalid_identity, an
// aborted connection.
type ProtocolError struct {
	Kind string
	Msg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Kind, e.Msg)
}

func NewProtocolError(kind, msg string) *ProtocolError {
	return &ProtocolError{Kind: kind, Msg: msg}
}

// PairingError is surfaced from requestPairing or via onPairingResult.
type PairingError struct {
	Kind     string
	DeviceID string
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("pairing error (%s) for device %s", e.Kind, e.DeviceID)
}

func NewPairingError(kind, deviceID string) *PairingError {
	return &PairingError{Kind: kind, DeviceID: deviceID}
}

// StateError is thrown from transition only, never silent.
type StateError struct {
	Kind string
	From string
	To   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state error (%s): cannot transition from %s to %s", e.Kind, e.From, e.To)
}

func NewStateError(from, to string) *StateError {
	return &StateError{Kind: StateInvalidTransition, From: from, To: to}
}
