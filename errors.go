package dmpsync

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrNoCredential is returned when no credential source yields a token.
	ErrNoCredential = errors.New("no credential available")

	// ErrCredentialExpired is returned for a JWT whose exp claim is in the past.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrNoConversation is returned by Send when the conversation id is not known yet.
	ErrNoConversation = errors.New("conversation not resolved")

	// ErrUnknownMessage is returned by Retry for a local id that is not in the list.
	ErrUnknownMessage = errors.New("unknown local message")
)

// ============================================================================
// Typed errors
// ============================================================================

// ValidationError rejects input before any network call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + " " + e.Reason
}

// NetworkError reports a failed REST call: no connectivity or a non-2xx reply.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return "network: " + e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError reports a missing, expired or rejected credential.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return "authentication: " + e.Reason + ": " + e.Err.Error()
	}
	return "authentication: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TransportError reports a socket-level connect or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError is returned by the parse functions for a payload shape they do not recognize.
type SchemaError struct {
	Type   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema: %s: %s", e.Type, e.Reason)
}

// StaleDataWarning is not a failure. It accompanies a value served from cache
// after the underlying operation failed or was suppressed by cooldown.
type StaleDataWarning struct {
	Key   string
	Age   time.Duration
	Cause error
}

func (w *StaleDataWarning) Error() string {
	if w.Cause != nil {
		return fmt.Sprintf("stale data for %s (age %s): %v", w.Key, w.Age, w.Cause)
	}
	return fmt.Sprintf("stale data for %s (age %s)", w.Key, w.Age)
}

func (w *StaleDataWarning) Unwrap() error { return w.Cause }

// APIError is the error body returned by the backend on a non-2xx reply.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}
