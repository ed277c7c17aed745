package withings

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/tasks"
)

func newPollerFixture(t *testing.T) (*Poller, *syncFixture, *tasks.Group) {
	t.Helper()
	f := newSyncFixture(t)
	group := tasks.NewGroup(zerolog.Nop())
	p := NewPoller(f.syncer, f.creds, group, zerolog.Nop(), 15*time.Minute, 5*time.Second)
	p.now = func() time.Time { return *f.clock }
	return p, f, group
}

func waitIdle(t *testing.T, group *tasks.Group) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for group.Active() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("poll tasks did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollerSweepSyncsEveryAccount(t *testing.T) {
	p, f, group := newPollerFixture(t)
	f.connect(uuid.New())
	f.connect(uuid.New())
	f.api.measureFn = func(string, time.Time, time.Time) ([]MeasureGroup, error) {
		return nil, nil
	}

	p.sweep(context.Background())
	waitIdle(t, group)

	if n := f.api.measureCount(); n != 2 {
		t.Errorf("measurement calls = %d, want 2", n)
	}
}

func TestPollerBacksOffRateLimitedUsers(t *testing.T) {
	p, f, group := newPollerFixture(t)
	userID := uuid.New()
	f.connect(userID)
	f.api.measureFn = func(string, time.Time, time.Time) ([]MeasureGroup, error) {
		return nil, fmt.Errorf("%w: status 601", ErrRateLimited)
	}

	p.sweep(context.Background())
	waitIdle(t, group)
	if n := f.api.measureCount(); n != 1 {
		t.Fatalf("measurement calls = %d, want 1", n)
	}

	// Within the backoff window the user is skipped.
	p.sweep(context.Background())
	waitIdle(t, group)
	if n := f.api.measureCount(); n != 1 {
		t.Errorf("measurement calls = %d, want still 1 during backoff", n)
	}

	// Once the window lapses the user syncs again.
	*f.clock = f.clock.Add(16 * time.Minute)
	p.sweep(context.Background())
	waitIdle(t, group)
	if n := f.api.measureCount(); n != 2 {
		t.Errorf("measurement calls = %d, want 2 after backoff", n)
	}
}
