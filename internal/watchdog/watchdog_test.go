package watchdog

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristeoibarra/nextdns-blocker/internal/config"
	"github.com/aristeoibarra/nextdns-blocker/internal/domain"
	"github.com/aristeoibarra/nextdns-blocker/internal/notify"
	"github.com/aristeoibarra/nextdns-blocker/internal/pending"
	"github.com/aristeoibarra/nextdns-blocker/internal/protection"
	"github.com/aristeoibarra/nextdns-blocker/internal/retry"
	"github.com/aristeoibarra/nextdns-blocker/internal/unlock"
)

// fakeClient scripts filtering-service responses per domain.
type fakeClient struct {
	mu      sync.Mutex
	results map[string]*domain.RequestResult // nil result means success
	calls   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{results: make(map[string]*domain.RequestResult)}
}

func (f *fakeClient) fail(name string, kind domain.ErrorKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = &domain.RequestResult{Kind: kind, Message: string(kind)}
}

func (f *fakeClient) succeed(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.results, name)
}

func (f *fakeClient) Apply(_ context.Context, action domain.ActionKind, name string) (bool, bool, *domain.RequestResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(action)+" "+name)
	if res, ok := f.results[name]; ok {
		return false, false, res
	}
	return true, true, nil
}

// In-memory repositories for the three queues and the protection store.

type pendingRepo struct {
	actions map[string]*domain.PendingAction
}

func (m *pendingRepo) Insert(_ context.Context, action *domain.PendingAction) (bool, *domain.PendingAction, error) {
	for _, a := range m.actions {
		if a.Domain == action.Domain {
			return false, a, nil
		}
	}
	m.actions[action.ID] = action
	return true, nil, nil
}

func (m *pendingRepo) Get(_ context.Context, id string) (*domain.PendingAction, error) {
	return m.actions[id], nil
}

func (m *pendingRepo) List(_ context.Context) ([]domain.PendingAction, error) {
	out := make([]domain.PendingAction, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, *a)
	}
	return out, nil
}

func (m *pendingRepo) ListReady(_ context.Context, now time.Time) ([]domain.PendingAction, error) {
	var out []domain.PendingAction
	for _, a := range m.actions {
		if a.Ready(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *pendingRepo) DeletePending(_ context.Context, id string) (*domain.PendingAction, error) {
	a, ok := m.actions[id]
	if !ok {
		return nil, nil
	}
	delete(m.actions, id)
	return a, nil
}

func (m *pendingRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for id, a := range m.actions {
		if a.CreatedAt.Before(cutoff) {
			delete(m.actions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *pendingRepo) Count(_ context.Context) (int, error) { return len(m.actions), nil }

type retryRepo struct {
	items map[string]*domain.RetryItem
}

func (m *retryRepo) Insert(_ context.Context, item *domain.RetryItem) (bool, *domain.RetryItem, error) {
	for _, i := range m.items {
		if i.Domain == item.Domain && i.Action == item.Action {
			return false, i, nil
		}
	}
	clone := *item
	m.items[item.ID] = &clone
	return true, nil, nil
}

func (m *retryRepo) List(_ context.Context) ([]domain.RetryItem, error) {
	out := make([]domain.RetryItem, 0, len(m.items))
	for _, i := range m.items {
		out = append(out, *i)
	}
	return out, nil
}

func (m *retryRepo) ListReady(_ context.Context, now time.Time) ([]domain.RetryItem, error) {
	var out []domain.RetryItem
	for _, i := range m.items {
		if i.Ready(now) {
			out = append(out, *i)
		}
	}
	return out, nil
}

func (m *retryRepo) Update(_ context.Context, item *domain.RetryItem) error {
	clone := *item
	m.items[item.ID] = &clone
	return nil
}

func (m *retryRepo) Delete(_ context.Context, id string) (bool, error) {
	if _, ok := m.items[id]; !ok {
		return false, nil
	}
	delete(m.items, id)
	return true, nil
}

func (m *retryRepo) Clear(_ context.Context) (int, error) {
	n := len(m.items)
	m.items = make(map[string]*domain.RetryItem)
	return n, nil
}

func (m *retryRepo) Stats(_ context.Context, _ time.Time) (*retry.Stats, error) {
	return &retry.Stats{}, nil
}

func (m *retryRepo) Count(_ context.Context) (int, error) { return len(m.items), nil }

type unlockRepo struct {
	requests map[string]*domain.UnlockRequest
}

func (m *unlockRepo) Insert(_ context.Context, req *domain.UnlockRequest) (*domain.UnlockRequest, error) {
	clone := *req
	if clone.DelayHours < domain.MinUnlockDelayHours {
		clone.DelayHours = domain.MinUnlockDelayHours
		clone.ExecuteAt = clone.CreatedAt.Add(time.Duration(clone.DelayHours) * time.Hour)
	}
	m.requests[clone.ID] = &clone
	result := clone
	return &result, nil
}

func (m *unlockRepo) Get(_ context.Context, id string) (*domain.UnlockRequest, error) {
	if req, ok := m.requests[id]; ok {
		clone := *req
		return &clone, nil
	}
	return nil, nil
}

func (m *unlockRepo) FindByPrefix(_ context.Context, prefix string) ([]domain.UnlockRequest, error) {
	var out []domain.UnlockRequest
	for id, req := range m.requests {
		if strings.HasPrefix(id, prefix) {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *unlockRepo) ListPending(_ context.Context) ([]domain.UnlockRequest, error) {
	out := make([]domain.UnlockRequest, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, *req)
	}
	return out, nil
}

func (m *unlockRepo) ListExecutable(_ context.Context, now time.Time) ([]domain.UnlockRequest, error) {
	var out []domain.UnlockRequest
	for _, req := range m.requests {
		if req.Executable(now) {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *unlockRepo) DeletePending(_ context.Context, id string) (*domain.UnlockRequest, error) {
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	delete(m.requests, id)
	return req, nil
}

func (m *unlockRepo) Count(_ context.Context) (int, error) { return len(m.requests), nil }

type protectionRepo struct {
	items  map[domain.ItemKey]domain.ProtectedItem
	values map[string]string
}

func (f *protectionRepo) Snapshot(_ context.Context) (domain.Snapshot, error) {
	s := make(domain.Snapshot, len(f.items))
	for k, v := range f.items {
		s[k] = v
	}
	return s, nil
}

func (f *protectionRepo) Get(_ context.Context, key domain.ItemKey) (*domain.ProtectedItem, error) {
	if item, ok := f.items[key]; ok {
		return &item, nil
	}
	return nil, nil
}

func (f *protectionRepo) Upsert(_ context.Context, item domain.ProtectedItem) error {
	f.items[item.Key()] = item
	return nil
}

func (f *protectionRepo) Delete(_ context.Context, key domain.ItemKey) (bool, error) {
	if _, ok := f.items[key]; !ok {
		return false, nil
	}
	delete(f.items, key)
	return true, nil
}

func (f *protectionRepo) GetValue(_ context.Context, key string) (string, error) {
	return f.values[key], nil
}

func (f *protectionRepo) SetValue(_ context.Context, key, value string) error {
	f.values[key] = value
	return nil
}

func (f *protectionRepo) DeleteValue(_ context.Context, key string) error {
	delete(f.values, key)
	return nil
}

type fakePINRemover struct {
	removed bool
}

func (f *fakePINRemover) Remove(_ context.Context) error {
	f.removed = true
	return nil
}

// mockChannel records notifications delivered through the dispatcher.
type mockChannel struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (m *mockChannel) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockChannel) Type() string { return "mock" }

type fixture struct {
	watchdog   *Watchdog
	client     *fakeClient
	pending    *pending.Service
	retries    *retry.Service
	unlocks    *unlock.Service
	pendingDB  *pendingRepo
	retryDB    *retryRepo
	unlockDB   *unlockRepo
	protectDB  *protectionRepo
	pinRemover *fakePINRemover
	channel    *mockChannel
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Services stamp rows with the wall clock, so the fixture clock starts
	// there and only moves forward.
	now := time.Now()

	f := &fixture{
		client:     newFakeClient(),
		pendingDB:  &pendingRepo{actions: make(map[string]*domain.PendingAction)},
		retryDB:    &retryRepo{items: make(map[string]*domain.RetryItem)},
		unlockDB:   &unlockRepo{requests: make(map[string]*domain.UnlockRequest)},
		protectDB:  &protectionRepo{items: make(map[domain.ItemKey]domain.ProtectedItem), values: make(map[string]string)},
		pinRemover: &fakePINRemover{},
		channel:    &mockChannel{},
		now:        now,
	}

	f.pending = pending.NewService(f.pendingDB, nil)
	f.retries = retry.NewService(f.retryDB, nil, config.RetryConfig{MaxAttempts: 5, InitialBackoff: 60 * time.Second})
	f.unlocks = unlock.NewService(f.unlockDB, nil)
	store := protection.NewStore(f.protectDB)

	f.watchdog = New(
		Config{Interval: time.Minute, CleanupMaxAge: 7 * 24 * time.Hour},
		f.client,
		f.pending, f.retries, f.unlocks,
		store, f.pinRemover,
		notify.NewDispatcher(100, f.channel),
	)
	f.watchdog.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) schedulePending(t *testing.T, name string, execAt time.Time) *domain.PendingAction {
	t.Helper()
	action := &domain.PendingAction{
		ID:        domain.NewID("pnd", f.now),
		Action:    domain.ActionUnblock,
		Domain:    name,
		CreatedAt: f.now,
		ExecuteAt: execAt,
		Delay:     "30m",
		Status:    domain.ActionStatusPending,
	}
	inserted, _, err := f.pendingDB.Insert(context.Background(), action)
	require.NoError(t, err)
	require.True(t, inserted)
	return action
}

func TestPass_ExecutesDuePendingUnblock(t *testing.T) {
	f := newFixture(t)
	action := f.schedulePending(t, "example.com", f.now.Add(-time.Minute))
	f.schedulePending(t, "later.example.com", f.now.Add(time.Hour))

	f.watchdog.Pass(context.Background())

	assert.Contains(t, f.client.calls, "unblock example.com")
	assert.NotContains(t, f.client.calls, "unblock later.example.com")
	assert.Nil(t, f.pendingDB.actions[action.ID])
	assert.Len(t, f.pendingDB.actions, 1)
}

func TestPass_RetryableFailureEntersRetryQueue(t *testing.T) {
	f := newFixture(t)
	action := f.schedulePending(t, "example.com", f.now.Add(-time.Minute))
	f.client.fail("example.com", domain.ErrorKindTimeout)

	f.watchdog.Pass(context.Background())

	// The pending row survives and a retry row exists.
	assert.NotNil(t, f.pendingDB.actions[action.ID])
	require.Len(t, f.retryDB.items, 1)
	for _, item := range f.retryDB.items {
		assert.Equal(t, domain.ErrorKindTimeout, item.ErrorType)
		assert.Equal(t, domain.ActionUnblock, item.Action)
	}
}

func TestPass_PermanentFailureNotifiesOperator(t *testing.T) {
	f := newFixture(t)
	f.schedulePending(t, "bad..domain", f.now.Add(-time.Minute))
	f.client.fail("bad..domain", domain.ErrorKindValidation)

	f.watchdog.Pass(context.Background())

	assert.Empty(t, f.retryDB.items)
	require.Len(t, f.channel.messages, 1)
	assert.Contains(t, f.channel.messages[0].Subject, "permanently")
}

func TestPass_RetrySucceedsAfterServiceRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.retries.Enqueue(ctx, "site.com", domain.ActionBlock, domain.ErrorKindTimeout, "deadline exceeded")
	require.NoError(t, err)

	// Backoff not yet elapsed: nothing happens.
	f.watchdog.Pass(ctx)
	assert.Len(t, f.retryDB.items, 1)
	assert.Empty(t, f.client.calls)

	// Service recovered and the backoff elapsed.
	f.now = f.now.Add(2 * time.Minute)
	f.watchdog.Pass(ctx)

	assert.Contains(t, f.client.calls, "block site.com")
	assert.Empty(t, f.retryDB.items)
}

func TestPass_RetryExhaustionNotifiesOperator(t *testing.T) {
	f := newFixture(t)
	f.retryDB.items["ret_x"] = &domain.RetryItem{
		ID:           "ret_x",
		Domain:       "down.example.com",
		Action:       domain.ActionBlock,
		ErrorType:    domain.ErrorKindConnection,
		ErrorMsg:     "connection refused",
		AttemptCount: 5,
		NextRetryAt:  f.now.Add(-time.Minute),
	}

	f.watchdog.Pass(context.Background())

	assert.Empty(t, f.retryDB.items)
	require.Len(t, f.channel.messages, 1)
	assert.Contains(t, f.channel.messages[0].Body, "down.example.com")
}

func TestPass_ExecutesDueUnlockRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := domain.ItemKey{Type: domain.ItemTypeCategory, ID: "gambling"}
	f.protectDB.items[key] = domain.ProtectedItem{Type: key.Type, ID: key.ID, Locked: true}

	req, err := f.unlocks.CreateRequest(ctx, domain.ItemTypeCategory, "gambling", 24, "testing")
	require.NoError(t, err)

	// Not due yet.
	f.watchdog.Pass(ctx)
	assert.Contains(t, f.protectDB.items, key)

	f.now = f.now.Add(25 * time.Hour)
	f.watchdog.Pass(ctx)

	assert.NotContains(t, f.protectDB.items, key)
	assert.Nil(t, f.unlockDB.requests[req.ID])
}

func TestPass_PinUnlockUsesPinRemover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.unlocks.CreateRequest(ctx, domain.ItemTypePin, "pin", 24, "forgot it")
	require.NoError(t, err)

	f.now = f.now.Add(25 * time.Hour)
	f.watchdog.Pass(ctx)

	assert.True(t, f.pinRemover.removed)
	assert.Empty(t, f.unlockDB.requests)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.watchdog.config.Interval = 10 * time.Millisecond

	f.schedulePending(t, "example.com", f.now.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.watchdog.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	f.watchdog.Stop()

	// The initial catch-up pass executed the due unblock.
	f.client.mu.Lock()
	defer f.client.mu.Unlock()
	assert.Contains(t, f.client.calls, "unblock example.com")
}
