package withings

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured: provider client credentials are absent from config.
	ErrNotConfigured = errors.New("withings integration is not configured")
	// ErrNotConnected: the user has no stored credential.
	ErrNotConnected = errors.New("withings account is not connected")
	// ErrInvalidState: OAuth callback state is missing, expired or already used.
	ErrInvalidState = errors.New("invalid or expired authorization state")
	// ErrTokenExchange: the provider rejected the authorization code. Codes
	// are single-use; callers surface a reconnect prompt instead of retrying.
	ErrTokenExchange = errors.New("authorization code exchange failed")
	// ErrReconnectRequired: the token state is unrecoverable and the stored
	// credential has been deleted. The user must re-link the account.
	ErrReconnectRequired = errors.New("withings account must be reconnected")
	// ErrRateLimited: provider backpressure; do not retry immediately.
	ErrRateLimited = errors.New("withings rate limit exceeded")
	// ErrProviderUnavailable: transient network or 5xx failure; safe to
	// retry with backoff. The stored credential is kept.
	ErrProviderUnavailable = errors.New("withings is unavailable")
	// ErrProvider: an unexpected provider response.
	ErrProvider = errors.New("unexpected withings response")
	// ErrStore: a credential or state persistence failure.
	ErrStore = errors.New("withings credential store failure")

	// errTokenRejected is the client-level signal that the provider refused
	// the presented token or code, as opposed to being unreachable.
	errTokenRejected = errors.New("withings rejected the token")
)

// PartialFailure reports a sync in which some measurement groups persisted
// and others did not. It is never silent: the succeeded groups are listed so
// observability can account for every group the provider returned.
type PartialFailure struct {
	Succeeded []int64
	Failed    []int64
	Cause     error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("sync persisted %d of %d measurement groups: %v",
		len(e.Succeeded), len(e.Succeeded)+len(e.Failed), e.Cause)
}

func (e *PartialFailure) Unwrap() error { return e.Cause }
