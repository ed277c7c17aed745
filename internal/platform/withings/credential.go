package withings

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ProviderName identifies this integration in the credential table, which
// is keyed (user_id, provider) so further device clouds can share it.
const ProviderName = "withings"

// Credential maps to the withings_credential table: the OAuth tuple linking
// an internal user to their provider account. Tokens never serialize to JSON.
type Credential struct {
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	Provider       string     `db:"provider" json:"provider"`
	ProviderUserID string     `db:"provider_user_id" json:"provider_user_id"`
	AccessToken    string     `db:"access_token" json:"-"`
	RefreshToken   string     `db:"refresh_token" json:"-"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	LastSyncedAt   *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// CredentialStore persists OAuth credentials. At most one live row exists
// per (user, provider); Upsert replaces in place and never rolls the expiry
// backwards.
type CredentialStore interface {
	Upsert(ctx context.Context, cred *Credential) error
	GetByUser(ctx context.Context, userID uuid.UUID) (*Credential, error)
	GetByProviderUser(ctx context.Context, providerUserID string) (*Credential, error)
	Delete(ctx context.Context, userID uuid.UUID) error
	ListConnectedUsers(ctx context.Context) ([]uuid.UUID, error)
	RecordSync(ctx context.Context, userID uuid.UUID, at time.Time) error
}

// StateStore persists ephemeral OAuth authorization states. A state is
// consumed exactly once and expires unused after stateTTL.
type StateStore interface {
	Create(ctx context.Context, state string, userID uuid.UUID, expiresAt time.Time) error
	// Consume deletes the state and returns the bound user. Missing or
	// expired states fail with ErrInvalidState.
	Consume(ctx context.Context, state string) (uuid.UUID, error)
}
