package withings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type tokenFixture struct {
	manager *TokenManager
	api     *fakeAPI
	creds   *memCredStore
	states  *memStateStore
	clock   *time.Time
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &base
	now := func() time.Time { return *clock }

	api := &fakeAPI{}
	creds := newMemCredStore()
	states := newMemStateStore(now)
	cfg := DefaultProviderConfig("cid", "secret", "https://api.example.com/integrations/withings/callback")
	manager := NewTokenManager(cfg, api, creds, states, zerolog.Nop())
	manager.now = now
	return &tokenFixture{manager: manager, api: api, creds: creds, states: states, clock: clock}
}

func (f *tokenFixture) seedCredential(userID uuid.UUID, expiresAt time.Time) {
	f.creds.Upsert(context.Background(), &Credential{
		UserID:         userID,
		Provider:       ProviderName,
		ProviderUserID: "w-1",
		AccessToken:    "old-access",
		RefreshToken:   "old-refresh",
		ExpiresAt:      expiresAt,
	})
}

func TestBeginAuthorizationNotConfigured(t *testing.T) {
	f := newTokenFixture(t)
	f.manager.cfg.ClientSecret = ""
	_, err := f.manager.BeginAuthorization(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestBeginAuthorizationBindsState(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()

	authURL, err := f.manager.BeginAuthorization(context.Background(), userID)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := parsed.Query()
	if q.Get("client_id") != "cid" || q.Get("response_type") != "code" {
		t.Errorf("unexpected query: %v", q)
	}
	state := q.Get("state")
	if len(state) != 64 {
		t.Fatalf("state length = %d, want 64 hex chars", len(state))
	}
	got, err := f.states.Consume(context.Background(), state)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got != userID {
		t.Errorf("state bound to %s, want %s", got, userID)
	}
}

func TestCompleteAuthorizationStoresCredential(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()
	f.api.exchangeFn = func(code string) (*TokenResponse, error) {
		if code != "the-code" {
			t.Errorf("code = %q, want the-code", code)
		}
		return &TokenResponse{ProviderUserID: "w-9", AccessToken: "at", RefreshToken: "rt", ExpiresIn: 10800}, nil
	}

	authURL, err := f.manager.BeginAuthorization(context.Background(), userID)
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	state := mustState(t, authURL)

	if err := f.manager.CompleteAuthorization(context.Background(), "the-code", state); err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}

	cred, err := f.creds.GetByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetByUser: %v", err)
	}
	if cred.ProviderUserID != "w-9" || cred.AccessToken != "at" || cred.RefreshToken != "rt" {
		t.Errorf("unexpected credential: %+v", cred)
	}
	if want := f.clock.Add(10800 * time.Second); !cred.ExpiresAt.Equal(want) {
		t.Errorf("expires at = %v, want %v", cred.ExpiresAt, want)
	}
}

func TestCompleteAuthorizationStateReplay(t *testing.T) {
	f := newTokenFixture(t)
	f.api.exchangeFn = func(string) (*TokenResponse, error) {
		return &TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 10800}, nil
	}
	authURL, _ := f.manager.BeginAuthorization(context.Background(), uuid.New())
	state := mustState(t, authURL)

	if err := f.manager.CompleteAuthorization(context.Background(), "code", state); err != nil {
		t.Fatalf("first CompleteAuthorization: %v", err)
	}
	err := f.manager.CompleteAuthorization(context.Background(), "code", state)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("replay err = %v, want ErrInvalidState", err)
	}
}

func TestCompleteAuthorizationExpiredState(t *testing.T) {
	f := newTokenFixture(t)
	authURL, _ := f.manager.BeginAuthorization(context.Background(), uuid.New())
	state := mustState(t, authURL)

	*f.clock = f.clock.Add(stateTTL + time.Minute)
	err := f.manager.CompleteAuthorization(context.Background(), "code", state)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestCompleteAuthorizationExchangeRejected(t *testing.T) {
	f := newTokenFixture(t)
	f.api.exchangeFn = func(string) (*TokenResponse, error) {
		return nil, fmt.Errorf("%w: status 401: invalid code", errTokenRejected)
	}
	authURL, _ := f.manager.BeginAuthorization(context.Background(), uuid.New())
	err := f.manager.CompleteAuthorization(context.Background(), "spent-code", mustState(t, authURL))
	if !errors.Is(err, ErrTokenExchange) {
		t.Errorf("err = %v, want ErrTokenExchange", err)
	}
}

func TestCompleteAuthorizationProviderDown(t *testing.T) {
	f := newTokenFixture(t)
	f.api.exchangeFn = func(string) (*TokenResponse, error) {
		return nil, fmt.Errorf("%w: http 502", ErrProviderUnavailable)
	}
	authURL, _ := f.manager.BeginAuthorization(context.Background(), uuid.New())
	err := f.manager.CompleteAuthorization(context.Background(), "code", mustState(t, authURL))
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
	if errors.Is(err, ErrTokenExchange) {
		t.Error("transient outage must not be reported as a spent code")
	}
}

func TestEnsureValidTokenFreshCredential(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()
	f.seedCredential(userID, f.clock.Add(2*time.Hour))

	token, err := f.manager.EnsureValidToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if token != "old-access" {
		t.Errorf("token = %q, want old-access", token)
	}
	if n := f.api.refreshCount(); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
}

func TestEnsureValidTokenRefreshesInsideMargin(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()
	f.seedCredential(userID, f.clock.Add(time.Minute))
	f.api.refreshFn = func(refreshToken string) (*TokenResponse, error) {
		if refreshToken != "old-refresh" {
			t.Errorf("refresh token = %q, want old-refresh", refreshToken)
		}
		return &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 10800}, nil
	}

	token, err := f.manager.EnsureValidToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if token != "new-access" {
		t.Errorf("token = %q, want new-access", token)
	}
	cred, _ := f.creds.GetByUser(context.Background(), userID)
	if cred.RefreshToken != "new-refresh" {
		t.Errorf("stored refresh token = %q, want new-refresh", cred.RefreshToken)
	}
}

func TestEnsureValidTokenSingleFlight(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()
	f.seedCredential(userID, f.clock.Add(time.Minute))
	f.api.refreshFn = func(string) (*TokenResponse, error) {
		time.Sleep(50 * time.Millisecond)
		return &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 10800}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = f.manager.EnsureValidToken(context.Background(), userID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "new-access" {
			t.Errorf("caller %d token = %q, want new-access", i, tokens[i])
		}
	}
	if n := f.api.refreshCount(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

func TestEnsureValidTokenSurvivesInitiatorCancel(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()
	f.seedCredential(userID, f.clock.Add(time.Minute))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.refreshCtxFn = func(ctx context.Context, _ string) (*TokenResponse, error) {
		close(entered)
		<-release
		// A provider call made with the initiator's request context would
		// be dead by now.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return &TokenResponse{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 10800}, nil
	}

	initiatorCtx, cancelInitiator := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.manager.EnsureValidToken(initiatorCtx, userID)
		done <- err
	}()

	<-entered
	cancelInitiator()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("initiator: %v", err)
	}

	// The refresh outlived its initiator, so the renewed credential is on
	// the fast path now.
	token, err := f.manager.EnsureValidToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("EnsureValidToken after cancel: %v", err)
	}
	if token != "new-access" {
		t.Errorf("token = %q, want new-access", token)
	}
	if n := f.api.refreshCount(); n != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", n)
	}
}

func TestEnsureValidTokenReconnectRequired(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()
	f.seedCredential(userID, f.clock.Add(time.Minute))
	f.api.refreshFn = func(string) (*TokenResponse, error) {
		return nil, fmt.Errorf("%w: status 401", errTokenRejected)
	}

	_, err := f.manager.EnsureValidToken(context.Background(), userID)
	if !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("err = %v, want ErrReconnectRequired", err)
	}
	if _, err := f.creds.GetByUser(context.Background(), userID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("credential survived an unrecoverable rejection: %v", err)
	}
}

func TestEnsureValidTokenTransientFailureKeepsCredential(t *testing.T) {
	f := newTokenFixture(t)
	userID := uuid.New()
	f.seedCredential(userID, f.clock.Add(time.Minute))
	f.api.refreshFn = func(string) (*TokenResponse, error) {
		return nil, fmt.Errorf("%w: http 503", ErrProviderUnavailable)
	}

	_, err := f.manager.EnsureValidToken(context.Background(), userID)
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("err = %v, want ErrProviderUnavailable", err)
	}
	if _, err := f.creds.GetByUser(context.Background(), userID); err != nil {
		t.Errorf("credential must survive a transient outage: %v", err)
	}
}

func TestEnsureValidTokenNotConnected(t *testing.T) {
	f := newTokenFixture(t)
	_, err := f.manager.EnsureValidToken(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func mustState(t *testing.T, authURL string) string {
	t.Helper()
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatal("authorization url carries no state")
	}
	return state
}
