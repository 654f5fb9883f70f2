package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristeoibarra/nextdns-blocker/internal/audit"
	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	actions   map[string]*domain.PendingAction
	insertErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{actions: make(map[string]*domain.PendingAction)}
}

func (m *mockRepository) Insert(_ context.Context, action *domain.PendingAction) (bool, *domain.PendingAction, error) {
	if m.insertErr != nil {
		return false, nil, m.insertErr
	}
	for _, a := range m.actions {
		if a.Domain == action.Domain && a.Status == domain.ActionStatusPending {
			return false, a, nil
		}
	}
	m.actions[action.ID] = action
	return true, nil, nil
}

func (m *mockRepository) Get(_ context.Context, id string) (*domain.PendingAction, error) {
	return m.actions[id], nil
}

func (m *mockRepository) List(_ context.Context) ([]domain.PendingAction, error) {
	out := make([]domain.PendingAction, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, *a)
	}
	return out, nil
}

func (m *mockRepository) ListReady(_ context.Context, now time.Time) ([]domain.PendingAction, error) {
	var out []domain.PendingAction
	for _, a := range m.actions {
		if a.Ready(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockRepository) DeletePending(_ context.Context, id string) (*domain.PendingAction, error) {
	a, ok := m.actions[id]
	if !ok || a.Status != domain.ActionStatusPending {
		return nil, nil
	}
	delete(m.actions, id)
	return a, nil
}

func (m *mockRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for id, a := range m.actions {
		if a.CreatedAt.Before(cutoff) {
			delete(m.actions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *mockRepository) Count(_ context.Context) (int, error) {
	return len(m.actions), nil
}

// recordingAudit captures appended events.
type recordingAudit struct {
	events []string
}

func (r *recordingAudit) Append(_ context.Context, eventType, _ string, _ map[string]any) {
	r.events = append(r.events, eventType)
}

func newTestService(repo Repository, log audit.Log, now time.Time) *Service {
	service := NewService(repo, log)
	service.now = func() time.Time { return now }
	return service
}

func TestCreate(t *testing.T) {
	now := time.Date(2025, 12, 15, 14, 30, 0, 0, time.UTC)

	t.Run("schedules unblock after delay", func(t *testing.T) {
		repo := newMockRepository()
		log := &recordingAudit{}
		service := newTestService(repo, log, now)

		action, err := service.Create(context.Background(), "example.com", "30m", "cli")
		require.NoError(t, err)
		require.NotNil(t, action)

		assert.Equal(t, domain.ActionUnblock, action.Action)
		assert.Equal(t, "example.com", action.Domain)
		assert.Equal(t, now.Add(30*time.Minute), action.ExecuteAt)
		assert.Equal(t, domain.ActionStatusPending, action.Status)
		assert.Equal(t, "cli", action.RequestedBy)
		assert.Contains(t, log.events, audit.EventPendingCreate)
	})

	t.Run("delay never yields no action", func(t *testing.T) {
		repo := newMockRepository()
		service := newTestService(repo, nil, now)

		action, err := service.Create(context.Background(), "example.com", "never", "")
		require.NoError(t, err)
		assert.Nil(t, action)
		assert.Empty(t, repo.actions)
	})

	t.Run("malformed delay yields no action and no error", func(t *testing.T) {
		repo := newMockRepository()
		service := newTestService(repo, nil, now)

		for _, delay := range []string{"xyz", "", "4x", "-1h"} {
			action, err := service.Create(context.Background(), "example.com", delay, "")
			require.NoError(t, err, delay)
			assert.Nil(t, action, delay)
		}
		assert.Empty(t, repo.actions)
	})

	t.Run("zero delay executes immediately", func(t *testing.T) {
		repo := newMockRepository()
		service := newTestService(repo, nil, now)

		action, err := service.Create(context.Background(), "example.com", "0", "")
		require.NoError(t, err)
		require.NotNil(t, action)
		assert.Equal(t, now, action.ExecuteAt)
		assert.True(t, action.Ready(now))
	})

	t.Run("duplicate domain returns existing row unchanged", func(t *testing.T) {
		repo := newMockRepository()
		log := &recordingAudit{}
		service := newTestService(repo, log, now)

		first, err := service.Create(context.Background(), "example.com", "30m", "")
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := service.Create(context.Background(), "example.com", "4h", "")
		require.NoError(t, err)
		require.NotNil(t, second)

		// The first delay wins.
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.ExecuteAt, second.ExecuteAt)
		assert.Len(t, repo.actions, 1)
		// Only one create event was audited.
		assert.Equal(t, []string{audit.EventPendingCreate}, log.events)
	})

	t.Run("repository error propagates", func(t *testing.T) {
		repo := newMockRepository()
		repo.insertErr = errors.New("connection refused")
		service := newTestService(repo, nil, now)

		action, err := service.Create(context.Background(), "example.com", "30m", "")
		assert.Error(t, err)
		assert.Nil(t, action)
	})
}

func TestCancel(t *testing.T) {
	now := time.Date(2025, 12, 15, 14, 30, 0, 0, time.UTC)
	repo := newMockRepository()
	log := &recordingAudit{}
	service := newTestService(repo, log, now)

	action, err := service.Create(context.Background(), "example.com", "30m", "")
	require.NoError(t, err)

	cancelled, err := service.Cancel(context.Background(), action.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Contains(t, log.events, audit.EventPendingCancel)

	// A second cancel finds nothing; false, not an error.
	cancelled, err = service.Cancel(context.Background(), action.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	cancelled, err = service.Cancel(context.Background(), "pnd_unknown")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestListReadyAndMarkExecuted(t *testing.T) {
	// Scenario: schedule with 30m delay, nothing ready at T0, ready at
	// T0+31m, gone after MarkExecuted.
	now := time.Date(2025, 12, 15, 14, 30, 0, 0, time.UTC)
	repo := newMockRepository()
	log := &recordingAudit{}
	service := newTestService(repo, log, now)

	action, err := service.Create(context.Background(), "example.com", "30m", "")
	require.NoError(t, err)

	ready, err := service.ListReady(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = service.ListReady(context.Background(), now.Add(31*time.Minute))
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, action.ID, ready[0].ID)

	executed, err := service.MarkExecuted(context.Background(), action.ID)
	require.NoError(t, err)
	assert.True(t, executed)
	assert.Contains(t, log.events, audit.EventPendingExecute)

	ready, err = service.ListReady(context.Background(), now.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ready)

	all, err := service.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)

	// Executing again is a no-op.
	executed, err = service.MarkExecuted(context.Background(), action.ID)
	require.NoError(t, err)
	assert.False(t, executed)
}

func TestCleanup(t *testing.T) {
	now := time.Date(2025, 12, 15, 14, 30, 0, 0, time.UTC)
	repo := newMockRepository()

	old := &domain.PendingAction{
		ID:        "pnd_old",
		Domain:    "old.example.com",
		CreatedAt: now.Add(-8 * 24 * time.Hour),
		Status:    domain.ActionStatusPending,
	}
	repo.actions[old.ID] = old

	service := newTestService(repo, nil, now)

	fresh, err := service.Create(context.Background(), "fresh.example.com", "1d", "")
	require.NoError(t, err)

	removed, err := service.Cleanup(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.Nil(t, repo.actions[old.ID])
	assert.NotNil(t, repo.actions[fresh.ID])
}
