package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perfengine/internal/domain"
)

type fakeStore struct {
	mu          sync.Mutex
	resetCalls  int
	resetReturn int64
	resetErr    error

	queriedFilters []domain.AuditFilters
	queryReturn    []domain.AuditRecord
	queryErr       error
}

func (s *fakeStore) ResetAllAPIRequests(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
	return s.resetReturn, s.resetErr
}

func (s *fakeStore) QueryAuditRecords(ctx context.Context, f domain.AuditFilters) ([]domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queriedFilters = append(s.queriedFilters, f)
	return s.queryReturn, s.queryErr
}

func TestResetAPIRequestsWindow_CallsStore(t *testing.T) {
	store := &fakeStore{resetReturn: 3}
	s := New(store, time.Hour, zerolog.Nop())

	s.resetAPIRequestsWindow()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.resetCalls)
}

func TestResetAPIRequestsWindow_StoreErrorDoesNotPanic(t *testing.T) {
	store := &fakeStore{resetErr: assert.AnError}
	s := New(store, time.Hour, zerolog.Nop())

	require.NotPanics(t, func() { s.resetAPIRequestsWindow() })
}

func TestAuditRetentionSweep_PassesCutoffAsUntil(t *testing.T) {
	store := &fakeStore{queryReturn: []domain.AuditRecord{{ID: "a1"}, {ID: "a2"}}}
	s := New(store, 90*24*time.Hour, zerolog.Nop())

	s.auditRetentionSweep()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.queriedFilters, 1)
	assert.True(t, store.queriedFilters[0].Until.Before(time.Now()))
	assert.True(t, store.queriedFilters[0].Since.IsZero())
}

func TestAuditRetentionSweep_NeverDeletes(t *testing.T) {
	// The sweep's only store interaction is QueryAuditRecords; it has no
	// delete capability in its Store interface, so there is nothing to
	// assert beyond the interface shape itself.
	var _ Store = (*fakeStore)(nil)
}

func TestNew_DefaultsRetentionWindowWhenNonPositive(t *testing.T) {
	s := New(&fakeStore{}, 0, zerolog.Nop())
	assert.Equal(t, 90*24*time.Hour, s.retentionWindow)
}

func TestStartStop_RegistersJobsAndStopsCleanly(t *testing.T) {
	store := &fakeStore{resetReturn: 1}
	s := New(store, time.Hour, zerolog.Nop())

	require.NoError(t, s.Start())
	s.Stop()
}
