package withings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/domain/vitals"
)

// SyncResult counts the outcome of one sync for observability.
type SyncResult struct {
	Ingested int `json:"ingested"`
	Skipped  int `json:"skipped"`
}

// Ingestor is the slice of the vitals service the syncer consumes.
type Ingestor interface {
	Ingest(ctx context.Context, rec *vitals.MeasurementRecord) (bool, error)
}

// Syncer pulls measurement groups for a user, normalizes them and persists
// the readings. It is safe to run concurrently and to replay: persistence
// is idempotent by provider group id and the live cache is last-write-wins
// by capture time.
type Syncer struct {
	tokens     *TokenManager
	client     providerAPI
	ingestor   Ingestor
	creds      CredentialStore
	normalizer *Normalizer
	logger     zerolog.Logger
	lookBack   time.Duration
	now        func() time.Time
}

func NewSyncer(tokens *TokenManager, client providerAPI, ingestor Ingestor, creds CredentialStore, normalizer *Normalizer, logger zerolog.Logger) *Syncer {
	return &Syncer{
		tokens:     tokens,
		client:     client,
		ingestor:   ingestor,
		creds:      creds,
		normalizer: normalizer,
		logger:     logger,
		lookBack:   defaultLookBack,
		now:        time.Now,
	}
}

// window resolves the authoritative look-back: the caller's bound when
// given, otherwise max(last successful sync, now - lookBack).
func (s *Syncer) window(cred *Credential, since time.Time) time.Time {
	floor := s.now().Add(-s.lookBack)
	if !since.IsZero() && since.After(floor) {
		return since
	}
	if cred.LastSyncedAt != nil && cred.LastSyncedAt.After(floor) {
		return *cred.LastSyncedAt
	}
	return floor
}

// Sync ingests every measurement group captured since the given time. A
// zero since falls back to the authoritative look-back window.
func (s *Syncer) Sync(ctx context.Context, userID uuid.UUID, since time.Time) (SyncResult, error) {
	var result SyncResult

	token, err := s.tokens.EnsureValidToken(ctx, userID)
	if err != nil {
		s.auditOutcome(userID, result, err)
		return result, err
	}

	cred, err := s.creds.GetByUser(ctx, userID)
	if err != nil {
		return result, err
	}

	until := s.now()
	groups, err := s.client.Measurements(ctx, token, s.window(cred, since), until)
	if err != nil {
		if errors.Is(err, errTokenRejected) {
			// The provider no longer honors this access token even though
			// it looked fresh locally; the credential is beyond repair.
			s.tokens.invalidate(ctx, userID, "access_rejected")
			err = fmt.Errorf("%w: %v", ErrReconnectRequired, err)
		}
		s.auditOutcome(userID, result, err)
		return result, err
	}

	var succeeded, failed []int64
	var cause error
	for _, group := range groups {
		records := s.normalizer.Normalize(userID, group)
		groupErr := error(nil)
		for _, rec := range records {
			inserted, err := s.ingestor.Ingest(ctx, rec)
			if err != nil {
				groupErr = err
				break
			}
			if inserted {
				result.Ingested++
			} else {
				result.Skipped++
			}
		}
		if groupErr != nil {
			failed = append(failed, group.GroupID)
			cause = groupErr
			continue
		}
		succeeded = append(succeeded, group.GroupID)
	}

	if len(failed) > 0 {
		err := &PartialFailure{Succeeded: succeeded, Failed: failed, Cause: cause}
		s.auditOutcome(userID, result, err)
		return result, err
	}

	if err := s.creds.RecordSync(ctx, userID, until); err != nil {
		// The sync itself succeeded; a failed bookmark only widens the
		// next window, which idempotent ingestion absorbs.
		s.logger.Warn().Err(err).Str("user_id", userID.String()).
			Msg("failed to record sync time")
	}
	s.auditOutcome(userID, result, nil)
	return result, nil
}

// auditOutcome records every sync result. It must never fail the sync.
func (s *Syncer) auditOutcome(userID uuid.UUID, result SyncResult, err error) {
	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Warn().Err(err)
	}
	evt.Bool("audit", true).
		Str("event", "withings_sync").
		Str("user_id", userID.String()).
		Int("ingested", result.Ingested).
		Int("skipped", result.Skipped).
		Msg("sync finished")
}
