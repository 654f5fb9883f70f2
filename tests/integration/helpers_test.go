//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// filteringStub emulates the NextDNS profile API: POST /profiles/{id}/{list}
// adds a rule, DELETE /profiles/{id}/{list}/{domain} removes one. Failures
// are scripted per domain and consumed in order.
type filteringStub struct {
	mu       sync.Mutex
	failures map[string][]int // domain -> queued status codes
	calls    []stubCall
}

type stubCall struct {
	Method string
	List   string
	Domain string
}

func newFilteringStub() *filteringStub {
	return &filteringStub{failures: make(map[string][]int)}
}

// failNext queues n scripted failure responses for a domain.
func (s *filteringStub) failNext(domainName string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[domainName] = append(s.failures[domainName], status)
	}
}

// callsFor returns the recorded calls that touched a domain.
func (s *filteringStub) callsFor(domainName string) []stubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stubCall
	for _, c := range s.calls {
		if c.Domain == domainName {
			out = append(out, c)
		}
	}
	return out
}

func (s *filteringStub) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string][]int)
	s.calls = nil
}

func (s *filteringStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Paths look like /profiles/{id}/{list}[/{domain}].
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "profiles" {
		http.NotFound(w, r)
		return
	}
	list := parts[2]

	var domainName string
	switch r.Method {
	case http.MethodDelete:
		if len(parts) < 4 {
			http.NotFound(w, r)
			return
		}
		domainName, _ = url.PathUnescape(parts[3])
	case http.MethodPost:
		var body struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		domainName = body.ID
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, stubCall{Method: r.Method, List: list, Domain: domainName})
	status := http.StatusOK
	if queue := s.failures[domainName]; len(queue) > 0 {
		status = queue[0]
		s.failures[domainName] = queue[1:]
	}
	s.mu.Unlock()

	w.WriteHeader(status)
}

// resetState wipes all queue and protection tables and the stub between
// tests.
func resetState(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `
		TRUNCATE pending_actions, retry_queue, unlock_requests,
		         protected_items, pin_protection, audit_log`)
	if err != nil {
		t.Fatalf("reset state: %v", err)
	}
	filtering.reset()
}

// runPass drives one watchdog pass by hand.
func runPass(t *testing.T) {
	t.Helper()
	testApp.Watchdog().Pass(context.Background())
}

// rewindPending moves a pending action's execute_at into the past.
func rewindPending(t *testing.T, id string) {
	t.Helper()
	tag, err := testDB.Exec(context.Background(), `
		UPDATE pending_actions SET execute_at = now() - interval '1 minute' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("rewind pending action: %v", err)
	}
	if tag.RowsAffected() != 1 {
		t.Fatalf("rewind pending action: no row with id %q", id)
	}
}

// rewindRetries makes every retry item due.
func rewindRetries(t *testing.T) {
	t.Helper()
	if _, err := testDB.Exec(context.Background(), `
		UPDATE retry_queue SET next_retry_at = now() - interval '1 minute'`); err != nil {
		t.Fatalf("rewind retry queue: %v", err)
	}
}

// rewindUnlock moves an unlock request's execute_at into the past.
func rewindUnlock(t *testing.T, id string) {
	t.Helper()
	tag, err := testDB.Exec(context.Background(), `
		UPDATE unlock_requests SET execute_at = now() - interval '1 minute' WHERE id = $1`, id)
	if err != nil {
		t.Fatalf("rewind unlock request: %v", err)
	}
	if tag.RowsAffected() != 1 {
		t.Fatalf("rewind unlock request: no row with id %q", id)
	}
}

// insertProtectedItem seeds a protected item directly; the config sync that
// normally writes these is out of scope for API tests.
func insertProtectedItem(t *testing.T, itemType, itemID string, locked bool, unblockDelay string) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `
		INSERT INTO protected_items (item_type, item_id, locked, unblock_delay)
		VALUES ($1, $2, $3, $4)`,
		itemType, itemID, locked, unblockDelay)
	if err != nil {
		t.Fatalf("insert protected item: %v", err)
	}
}

// countRows counts rows in a table matching the given condition.
func countRows(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := testDB.QueryRow(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

// countAuditEvents counts audit log entries of a given type.
func countAuditEvents(t *testing.T, eventType string) int {
	t.Helper()
	return countRows(t, `SELECT count(*) FROM audit_log WHERE event_type = $1`, eventType)
}

// pendingActionJSON mirrors the pending action response shape.
type pendingActionJSON struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Domain      string    `json:"domain"`
	CreatedAt   time.Time `json:"created_at"`
	ExecuteAt   time.Time `json:"execute_at"`
	Delay       string    `json:"delay"`
	Status      string    `json:"status"`
	RequestedBy string    `json:"requested_by"`
}

type pendingCreateResponse struct {
	Created []pendingActionJSON `json:"created"`
	Skipped []string            `json:"skipped"`
}

// unlockRequestJSON mirrors the unlock request response shape.
type unlockRequestJSON struct {
	ID         string    `json:"id"`
	ItemType   string    `json:"item_type"`
	ItemID     string    `json:"item_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExecuteAt  time.Time `json:"execute_at"`
	DelayHours int       `json:"delay_hours"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
}

// retryItemJSON mirrors the retry queue item response shape.
type retryItemJSON struct {
	ID           string `json:"id"`
	Domain       string `json:"domain"`
	Action       string `json:"action"`
	ErrorType    string `json:"error_type"`
	AttemptCount int    `json:"attempt_count"`
}

type retryStatsJSON struct {
	Total       int            `json:"total"`
	Ready       int            `json:"ready"`
	Waiting     int            `json:"waiting"`
	ByAction    map[string]int `json:"by_action"`
	ByErrorKind map[string]int `json:"by_error_kind"`
}
