package withings

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telecare/telecare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type credentialStorePG struct{ pool *pgxpool.Pool }

func NewCredentialStorePG(pool *pgxpool.Pool) CredentialStore {
	return &credentialStorePG{pool: pool}
}

func (s *credentialStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const credentialCols = `user_id, provider, provider_user_id, access_token,
	refresh_token, expires_at, last_synced_at, created_at, updated_at`

func (s *credentialStorePG) scan(row pgx.Row) (*Credential, error) {
	var c Credential
	err := row.Scan(&c.UserID, &c.Provider, &c.ProviderUserID, &c.AccessToken,
		&c.RefreshToken, &c.ExpiresAt, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *credentialStorePG) Upsert(ctx context.Context, cred *Credential) error {
	if cred.Provider == "" {
		cred.Provider = ProviderName
	}
	// GREATEST keeps the expiry monotonic even if two refreshes race.
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO withings_credential (user_id, provider, provider_user_id,
			access_token, refresh_token, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			provider_user_id = EXCLUDED.provider_user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = GREATEST(withings_credential.expires_at, EXCLUDED.expires_at),
			updated_at = NOW()`,
		cred.UserID, cred.Provider, cred.ProviderUserID,
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	return err
}

func (s *credentialStorePG) GetByUser(ctx context.Context, userID uuid.UUID) (*Credential, error) {
	return s.scan(s.conn(ctx).QueryRow(ctx,
		`SELECT `+credentialCols+` FROM withings_credential WHERE user_id = $1 AND provider = $2`,
		userID, ProviderName))
}

func (s *credentialStorePG) GetByProviderUser(ctx context.Context, providerUserID string) (*Credential, error) {
	return s.scan(s.conn(ctx).QueryRow(ctx,
		`SELECT `+credentialCols+` FROM withings_credential WHERE provider_user_id = $1 AND provider = $2`,
		providerUserID, ProviderName))
}

func (s *credentialStorePG) Delete(ctx context.Context, userID uuid.UUID) error {
	_, err := s.conn(ctx).Exec(ctx,
		`DELETE FROM withings_credential WHERE user_id = $1 AND provider = $2`,
		userID, ProviderName)
	return err
}

func (s *credentialStorePG) ListConnectedUsers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT user_id FROM withings_credential WHERE provider = $1`, ProviderName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *credentialStorePG) RecordSync(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE withings_credential SET last_synced_at = $3, updated_at = NOW()
		 WHERE user_id = $1 AND provider = $2`,
		userID, ProviderName, at)
	return err
}

type stateStorePG struct{ pool *pgxpool.Pool }

func NewStateStorePG(pool *pgxpool.Pool) StateStore {
	return &stateStorePG{pool: pool}
}

func (s *stateStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *stateStorePG) Create(ctx context.Context, state string, userID uuid.UUID, expiresAt time.Time) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO withings_oauth_state (state, user_id, expires_at)
		VALUES ($1,$2,$3)`,
		state, userID, expiresAt)
	return err
}

func (s *stateStorePG) Consume(ctx context.Context, state string) (uuid.UUID, error) {
	var userID uuid.UUID
	var expiresAt time.Time
	err := s.conn(ctx).QueryRow(ctx, `
		DELETE FROM withings_oauth_state WHERE state = $1
		RETURNING user_id, expires_at`,
		state).Scan(&userID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrInvalidState
	}
	if err != nil {
		return uuid.Nil, err
	}
	if time.Now().After(expiresAt) {
		return uuid.Nil, ErrInvalidState
	}
	return userID, nil
}
