package withings

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/tasks"
)

// Poller periodically syncs every connected account, catching up users
// whose webhook deliveries were lost. Each user syncs as its own
// supervised task so one slow account cannot stall the sweep.
type Poller struct {
	syncer      *Syncer
	creds       CredentialStore
	group       *tasks.Group
	logger      zerolog.Logger
	interval    time.Duration
	syncTimeout time.Duration

	// backoff holds users the provider rate limited, keyed to the earliest
	// time they may sync again. Written from task goroutines.
	mu      sync.Mutex
	backoff map[uuid.UUID]time.Time
	now     func() time.Time
}

func NewPoller(syncer *Syncer, creds CredentialStore, group *tasks.Group, logger zerolog.Logger, interval, syncTimeout time.Duration) *Poller {
	return &Poller{
		syncer:      syncer,
		creds:       creds,
		group:       group,
		logger:      logger,
		interval:    interval,
		syncTimeout: syncTimeout,
		backoff:     make(map[uuid.UUID]time.Time),
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled. The first sweep happens one interval
// after start; webhooks cover the gap.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	userIDs, err := p.creds.ListConnectedUsers(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("withings poll sweep failed to list accounts")
		return
	}

	scheduled := 0
	for _, userID := range userIDs {
		if p.deferred(userID) {
			continue
		}

		uid := userID
		err := p.group.Go("withings-poll-sync", p.syncTimeout, func(taskCtx context.Context) error {
			res, err := p.syncer.Sync(taskCtx, uid, time.Time{})
			if errors.Is(err, ErrRateLimited) {
				p.markRateLimited(uid)
				return err
			}
			if err != nil {
				return err
			}
			if res.Ingested > 0 {
				p.logger.Info().Str("user_id", uid.String()).
					Int("ingested", res.Ingested).Msg("poll sync ingested measurements")
			}
			return nil
		})
		if err != nil {
			// Draining; the remaining users pick up on the next start.
			return
		}
		scheduled++
	}
	p.logger.Debug().Int("accounts", len(userIDs)).Int("scheduled", scheduled).
		Msg("withings poll sweep")
}

// deferred reports whether the user is still inside a rate-limit backoff
// window, clearing the entry once it lapses.
func (p *Poller) deferred(userID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.backoff[userID]
	if !ok {
		return false
	}
	if p.now().Before(until) {
		return true
	}
	delete(p.backoff, userID)
	return false
}

// markRateLimited defers the user's next poll by one full interval.
func (p *Poller) markRateLimited(userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff[userID] = p.now().Add(p.interval)
}
