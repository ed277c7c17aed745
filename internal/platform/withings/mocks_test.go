package withings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/telecare/internal/domain/vitals"
)

type fakeAPI struct {
	mu           sync.Mutex
	exchangeFn   func(code string) (*TokenResponse, error)
	refreshFn    func(refreshToken string) (*TokenResponse, error)
	refreshCtxFn func(ctx context.Context, refreshToken string) (*TokenResponse, error)
	measureFn    func(accessToken string, since, until time.Time) ([]MeasureGroup, error)
	refreshCalls int
	measureCalls int
}

func (f *fakeAPI) Exchange(_ context.Context, code string) (*TokenResponse, error) {
	f.mu.Lock()
	fn := f.exchangeFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unexpected exchange")
	}
	return fn(code)
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	f.mu.Lock()
	f.refreshCalls++
	fn := f.refreshFn
	ctxFn := f.refreshCtxFn
	f.mu.Unlock()
	if ctxFn != nil {
		return ctxFn(ctx, refreshToken)
	}
	if fn == nil {
		return nil, fmt.Errorf("unexpected refresh")
	}
	return fn(refreshToken)
}

func (f *fakeAPI) Measurements(_ context.Context, accessToken string, since, until time.Time) ([]MeasureGroup, error) {
	f.mu.Lock()
	f.measureCalls++
	fn := f.measureFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("unexpected measurements call")
	}
	return fn(accessToken, since, until)
}

func (f *fakeAPI) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeAPI) measureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measureCalls
}

type memCredStore struct {
	mu    sync.Mutex
	byUID map[uuid.UUID]*Credential
}

func newMemCredStore() *memCredStore {
	return &memCredStore{byUID: make(map[uuid.UUID]*Credential)}
}

func (s *memCredStore) Upsert(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cred
	if prev, ok := s.byUID[cred.UserID]; ok {
		if prev.ExpiresAt.After(copied.ExpiresAt) {
			copied.ExpiresAt = prev.ExpiresAt
		}
		copied.LastSyncedAt = prev.LastSyncedAt
	}
	s.byUID[cred.UserID] = &copied
	return nil
}

func (s *memCredStore) GetByUser(_ context.Context, userID uuid.UUID) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.byUID[userID]
	if !ok {
		return nil, ErrNotConnected
	}
	copied := *cred
	return &copied, nil
}

func (s *memCredStore) GetByProviderUser(_ context.Context, providerUserID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cred := range s.byUID {
		if cred.ProviderUserID == providerUserID {
			copied := *cred
			return &copied, nil
		}
	}
	return nil, ErrNotConnected
}

func (s *memCredStore) Delete(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUID[userID]; !ok {
		return ErrNotConnected
	}
	delete(s.byUID, userID)
	return nil
}

func (s *memCredStore) ListConnectedUsers(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.byUID))
	for id := range s.byUID {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memCredStore) RecordSync(_ context.Context, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.byUID[userID]
	if !ok {
		return ErrNotConnected
	}
	cred.LastSyncedAt = &at
	return nil
}

type stateRow struct {
	userID    uuid.UUID
	expiresAt time.Time
}

type memStateStore struct {
	mu     sync.Mutex
	states map[string]stateRow
	now    func() time.Time
}

func newMemStateStore(now func() time.Time) *memStateStore {
	return &memStateStore{states: make(map[string]stateRow), now: now}
}

func (s *memStateStore) Create(_ context.Context, state string, userID uuid.UUID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = stateRow{userID: userID, expiresAt: expiresAt}
	return nil
}

func (s *memStateStore) Consume(_ context.Context, state string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.states[state]
	if !ok {
		return uuid.Nil, ErrInvalidState
	}
	delete(s.states, state)
	if s.now().After(row.expiresAt) {
		return uuid.Nil, ErrInvalidState
	}
	return row.userID, nil
}

type recordKey struct {
	groupID int64
	kind    vitals.Kind
}

type memMeasurements struct {
	mu      sync.Mutex
	records map[recordKey]*vitals.MeasurementRecord
	failOn  map[int64]error
}

func newMemMeasurements() *memMeasurements {
	return &memMeasurements{records: make(map[recordKey]*vitals.MeasurementRecord)}
}

func (m *memMeasurements) Upsert(_ context.Context, rec *vitals.MeasurementRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOn[rec.GroupID]; ok {
		return false, err
	}
	key := recordKey{groupID: rec.GroupID, kind: rec.Kind}
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	copied := *rec
	m.records[key] = &copied
	return true, nil
}

func (m *memMeasurements) ListByUser(_ context.Context, userID uuid.UUID, kind *vitals.Kind, limit, offset int) ([]*vitals.MeasurementRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*vitals.MeasurementRecord
	for _, rec := range m.records {
		if rec.UserID != userID {
			continue
		}
		if kind != nil && rec.Kind != *kind {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	return out, len(out), nil
}

func (m *memMeasurements) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type snapKey struct {
	userID uuid.UUID
	kind   vitals.Kind
}

type memSnapshots struct {
	mu    sync.Mutex
	snaps map[snapKey]*vitals.Snapshot
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{snaps: make(map[snapKey]*vitals.Snapshot)}
}

func (m *memSnapshots) Apply(_ context.Context, snap *vitals.Snapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := snapKey{userID: snap.UserID, kind: snap.Kind}
	if prev, ok := m.snaps[key]; ok && prev.CapturedAt.After(snap.CapturedAt) {
		return false, nil
	}
	copied := *snap
	m.snaps[key] = &copied
	return true, nil
}

func (m *memSnapshots) Get(_ context.Context, userID uuid.UUID, kind vitals.Kind) (*vitals.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[snapKey{userID: userID, kind: kind}]
	if !ok {
		return nil, vitals.ErrSnapshotNotFound
	}
	copied := *snap
	return &copied, nil
}
