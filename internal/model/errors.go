package model

import (
	"errors"
	"fmt"
)

// ErrDuplicateEvent marks an event that was already dispatched through
// another channel. Duplicates are expected under the multi-channel design
// and are dropped silently, never logged as errors.
var ErrDuplicateEvent = errors.New("duplicate mail event")

// ErrDispatchBusy marks an event dropped because a concurrent dispatch for
// the same (user, provider) pair is already in flight.
var ErrDispatchBusy = errors.New("dispatch already in flight for pair")

// ConnectionError is a transient network or protocol failure talking to a
// mail provider. Retried with backoff.
type ConnectionError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CredentialError is terminal for the affected channel: retrying cannot
// succeed until credentials are refreshed externally.
type CredentialError struct {
	Provider Provider
	UserID   string
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("invalid %s credentials for user %s: %v", e.Provider, e.UserID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// RenewalError is a failed subscription renewal attempt. Retried on the
// next scheduler cycle up to a threshold, after which the subscription is
// marked failed and the poller covers the user.
type RenewalError struct {
	SubscriptionID string
	Err            error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("renewal of subscription %s failed: %v", e.SubscriptionID, e.Err)
}

func (e *RenewalError) Unwrap() error { return e.Err }

// AnalysisError is a non-fatal per-message analyzer failure. The message
// stays unprocessed (marker untouched) and is retried by the poller or a
// future push.
type AnalysisError struct {
	MessageID string
	Err       error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of message %s failed: %v", e.MessageID, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// IsCredentialError reports whether err is terminal for the channel.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// IsDuplicate reports whether err only signals an expected duplicate drop.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrDispatchBusy)
}
