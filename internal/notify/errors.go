package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotInitialized matches every NotInitializedError.
	ErrNotInitialized = errors.New("channel not initialized")
	// ErrAuth matches every AuthError.
	ErrAuth = errors.New("authentication failed")
)

// ValidationError reports bad caller input. It is always returned before any
// external call is made.
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool {
	if target == ErrValidation {
		return true
	}
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidDelay    = &ValidationError{Code: "invalid_delay", Msg: "delay is invalid"}
	ErrEmptyReceivers  = &ValidationError{Code: "empty_receivers", Msg: "receivers list is empty"}
	ErrEmptyBatch      = &ValidationError{Code: "empty_batch", Msg: "batch is empty"}
	ErrInvalidEnvelope = &ValidationError{Code: "invalid_envelope", Msg: "envelope is invalid"}
)

// Channel names used in NotInitializedError and reports.
const (
	ChannelRegistry = "registry"
	ChannelQueue    = "queue"
	ChannelBot      = "bot"
)

type NotInitializedError struct {
	Channel string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Channel, ErrNotInitialized)
}

func (e *NotInitializedError) Is(target error) bool { return target == ErrNotInitialized }

// Auth rejection reasons.
const (
	ReasonNoHandshake  = "no_handshake"
	ReasonTokenMissing = "token_missing"
	ReasonTokenInvalid = "token_invalid"
)

// ClosePolicyViolation is the WebSocket close code sent on auth rejection.
const ClosePolicyViolation = 1008

// AuthError terminates a handshake. Its CloseText is what the client sees.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Reason, e.Err)
	}
	return "auth " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

func (e *AuthError) CloseText() string {
	switch e.Reason {
	case ReasonNoHandshake:
		return "URL not found"
	case ReasonTokenMissing:
		return "Token not found"
	default:
		return "Token not verified"
	}
}

// DeliveryError is a single destination failure. It only ever travels inside
// a report; fan-out never returns it.
type DeliveryError struct {
	Channel string
	Target  string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s deliver to %s: %v", e.Channel, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
