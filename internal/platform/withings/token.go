package withings

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// providerAPI is the slice of the provider Client the pipeline consumes;
// tests substitute a fake.
type providerAPI interface {
	Exchange(ctx context.Context, code string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	Measurements(ctx context.Context, accessToken string, since, until time.Time) ([]MeasureGroup, error)
}

// TokenManager owns the OAuth credential lifecycle: issuing authorization
// URLs, exchanging codes, refreshing near-expiry tokens and invalidating
// credentials the provider has rejected for good.
type TokenManager struct {
	cfg    ProviderConfig
	client providerAPI
	creds  CredentialStore
	states StateStore
	logger zerolog.Logger

	// flight serializes refreshes per user: Withings invalidates the old
	// refresh token the moment it is used, so a second concurrent refresh
	// would fail spuriously.
	flight singleflight.Group
	now    func() time.Time
}

func NewTokenManager(cfg ProviderConfig, client providerAPI, creds CredentialStore, states StateStore, logger zerolog.Logger) *TokenManager {
	return &TokenManager{
		cfg:    cfg,
		client: client,
		creds:  creds,
		states: states,
		logger: logger,
		now:    time.Now,
	}
}

// BeginAuthorization issues the provider redirect URL with a fresh CSRF
// state bound to the user.
func (m *TokenManager) BeginAuthorization(ctx context.Context, userID uuid.UUID) (string, error) {
	if !m.cfg.Configured() {
		return "", ErrNotConfigured
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(buf)

	if err := m.states.Create(ctx, state, userID, m.now().Add(stateTTL)); err != nil {
		return "", fmt.Errorf("%w: persist state: %v", ErrStore, err)
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", m.cfg.ClientID)
	params.Set("redirect_uri", m.cfg.RedirectURL)
	params.Set("scope", strings.Join(m.cfg.Scopes, ","))
	params.Set("state", state)
	return m.cfg.AuthorizeURL + "?" + params.Encode(), nil
}

// CompleteAuthorization consumes the callback state and exchanges the code
// for a credential. The state is invalidated whether or not the exchange
// succeeds; authorization codes are single-use, so the provider rejecting
// one is final and is reported as ErrTokenExchange.
func (m *TokenManager) CompleteAuthorization(ctx context.Context, code, state string) error {
	userID, err := m.states.Consume(ctx, state)
	if err != nil {
		return err
	}

	tok, err := m.client.Exchange(ctx, code)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	cred := &Credential{
		UserID:         userID,
		Provider:       ProviderName,
		ProviderUserID: string(tok.ProviderUserID),
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		ExpiresAt:      m.now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := m.creds.Upsert(ctx, cred); err != nil {
		return fmt.Errorf("%w: persist credential: %v", ErrStore, err)
	}

	m.audit(userID).Str("event", "withings_connected").
		Str("provider_user_id", cred.ProviderUserID).Msg("account linked")
	return nil
}

// EnsureValidToken returns an access token with a comfortable remaining
// lifetime, refreshing it when it is within the safety margin of expiry.
// A provider rejection of the refresh token deletes the credential and
// fails with ErrReconnectRequired; transient failures keep the credential.
func (m *TokenManager) EnsureValidToken(ctx context.Context, userID uuid.UUID) (string, error) {
	cred, err := m.creds.GetByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if m.now().Before(cred.ExpiresAt.Add(-refreshSafetyMargin)) {
		return cred.AccessToken, nil
	}

	token, err, _ := m.flight.Do(userID.String(), func() (interface{}, error) {
		// The refresh is shared by every piled-up caller, so it must not
		// die with whichever request happened to start it.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, userID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *TokenManager) refresh(ctx context.Context, userID uuid.UUID) (string, error) {
	// Re-read inside the flight: a caller that piled up behind an earlier
	// refresh finds the renewed credential here.
	cred, err := m.creds.GetByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if m.now().Before(cred.ExpiresAt.Add(-refreshSafetyMargin)) {
		return cred.AccessToken, nil
	}

	tok, err := m.client.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, errTokenRejected) {
			// An invalid refresh token cannot self-heal.
			m.invalidate(ctx, userID, "refresh_rejected")
			return "", fmt.Errorf("%w: %v", ErrReconnectRequired, err)
		}
		return "", err
	}

	cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if string(tok.ProviderUserID) != "" {
		cred.ProviderUserID = string(tok.ProviderUserID)
	}
	cred.ExpiresAt = m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := m.creds.Upsert(ctx, cred); err != nil {
		return "", fmt.Errorf("%w: persist refreshed credential: %v", ErrStore, err)
	}
	return cred.AccessToken, nil
}

// Disconnect removes the stored credential, forcing a re-link.
func (m *TokenManager) Disconnect(ctx context.Context, userID uuid.UUID) error {
	if err := m.creds.Delete(ctx, userID); err != nil {
		return err
	}
	m.audit(userID).Str("event", "withings_disconnected").Msg("credential deleted")
	return nil
}

// invalidate deletes a credential the provider has rejected. Deletion and
// its audit record must never fail the caller's operation.
func (m *TokenManager) invalidate(ctx context.Context, userID uuid.UUID, reason string) {
	if err := m.creds.Delete(ctx, userID); err != nil {
		m.logger.Error().Err(err).Str("user_id", userID.String()).
			Msg("failed to delete rejected credential")
	}
	m.audit(userID).Str("event", "withings_credential_invalidated").
		Str("reason", reason).Msg("credential deleted")
}

func (m *TokenManager) audit(userID uuid.UUID) *zerolog.Event {
	return m.logger.Info().Bool("audit", true).Str("user_id", userID.String())
}
