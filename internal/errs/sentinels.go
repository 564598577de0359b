// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across protocol, crypto and service layers.
var (
	// ErrNetwork indicates a transport-level failure. Always retryable via reconnect/backoff.
	ErrNetwork = errors.New("network error")

	// ErrProtocol indicates a response or frame body that does not decode as the expected schema.
	ErrProtocol = errors.New("protocol error")

	// ErrFraming indicates malformed MCS framing (oversized length, truncated frame, bad version).
	ErrFraming = errors.New("framing error")

	// ErrAuth indicates the server rejected the device identity.
	ErrAuth = errors.New("auth error")

	// ErrCrypto indicates a payload that failed authentication or had malformed padding.
	ErrCrypto = errors.New("crypto error")

	// ErrAlreadyListening indicates a second listen attempt on an active registration.
	ErrAlreadyListening = errors.New("already listening")

	// ErrNotFound indicates the requested registration or session does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists indicates a row with the same key is already stored.
	ErrExists = errors.New("already exists")

	// ErrRegistration indicates the one-shot registration flow failed.
	ErrRegistration = errors.New("registration failed")

	// ErrStopped indicates the operation was abandoned because the session was stopped.
	ErrStopped = errors.New("stopped")
)

// Retryable reports whether err should be handled by backing off and reconnecting.
// Auth errors are retryable too, but callers bound them separately.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStopped), errors.Is(err, ErrAlreadyListening), errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrProtocol), errors.Is(err, ErrFraming), errors.Is(err, ErrAuth):
		return true
	default:
		// unclassified failures of a connection attempt are treated as transport problems
		return true
	}
}

// FromStatus maps a non-2xx HTTP status to the sentinel used to classify it.
func FromStatus(code int) error {
	switch {
	case code == 401 || code == 403:
		return ErrAuth
	case code >= 500 || code == 429:
		return ErrNetwork
	default:
		return ErrProtocol
	}
}
