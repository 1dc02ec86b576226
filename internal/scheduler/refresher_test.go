package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"perkledger/internal/types"
)

// mockClock implements types.Clock at a pinned instant.
type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time { return c.now }

// mockLogger implements types.Logger as a no-op for tests.
type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

// fakeLedgerStore serves ledgers from memory and tracks updates.
type fakeLedgerStore struct {
	mu      sync.Mutex
	ledgers map[string]*types.Ledger
	updated []string
	listErr error
	getErr  map[string]error
	updErr  map[string]error
	// due is drained as the sweep progresses, simulating ListDueForRefresh
	// excluding already-refreshed ledgers.
	due []string
}

func (s *fakeLedgerStore) Get(ctx context.Context, subscriberID string) (*types.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[subscriberID]; err != nil {
		return nil, err
	}
	l, ok := s.ledgers[subscriberID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundLedger, "missing", nil)
	}
	cp := *l
	return &cp, nil
}

func (s *fakeLedgerStore) Update(ctx context.Context, ledger *types.Ledger, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updErr[ledger.SubscriberID]; err != nil {
		return err
	}
	s.ledgers[ledger.SubscriberID] = ledger
	s.updated = append(s.updated, ledger.SubscriberID)
	return nil
}

func (s *fakeLedgerStore) ListDueForRefresh(ctx context.Context, period types.PeriodKey, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	n := limit
	if n > len(s.due) {
		n = len(s.due)
	}
	batch := s.due[:n]
	s.due = s.due[n:]
	return batch, nil
}

// fakeEvaluator marks every ledger refreshed for the given period.
type fakeEvaluator struct {
	mu       sync.Mutex
	period   types.PeriodKey
	evalErr  map[string]error
	noOp     map[string]bool
	warnings map[string][]types.Warning
	calls    []string
}

func (e *fakeEvaluator) Evaluate(ctx context.Context, ledger *types.Ledger) (types.RefreshResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, ledger.SubscriberID)
	e.mu.Unlock()

	if err := e.evalErr[ledger.SubscriberID]; err != nil {
		return types.RefreshResult{}, err
	}
	if e.noOp[ledger.SubscriberID] {
		return types.RefreshResult{Kind: types.RefreshNoOp, Period: e.period}, nil
	}
	period := e.period
	ledger.LastRefreshed = &period
	return types.RefreshResult{Kind: types.RefreshApplied, Period: period, Warnings: e.warnings[ledger.SubscriberID]}, nil
}

// fakeMetrics records emissions for verification.
type fakeMetrics struct {
	mu           sync.Mutex
	refreshes    []types.RefreshKind
	portFailures []string
	warningCodes []types.ErrorCode
	sweeps       int
}

func (m *fakeMetrics) RecordRefresh(_ context.Context, kind types.RefreshKind, _ types.TierID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes = append(m.refreshes, kind)
}

func (m *fakeMetrics) RecordConsumeDenied(context.Context, types.TierID, types.PerkType) {}

func (m *fakeMetrics) RecordPortFailure(_ context.Context, port string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portFailures = append(m.portFailures, port)
}

func (m *fakeMetrics) RecordRefreshWarning(_ context.Context, code types.ErrorCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warningCodes = append(m.warningCodes, code)
}

func (m *fakeMetrics) RecordSweep(_ context.Context, processed int, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
}

func (m *fakeMetrics) RecordAuditArchived(context.Context, int) {}

func newSweepFixture(subscriberIDs ...string) (*fakeLedgerStore, *fakeEvaluator) {
	now := time.Date(2024, 2, 1, 0, 5, 0, 0, time.UTC)
	ledgers := make(map[string]*types.Ledger, len(subscriberIDs))
	for _, id := range subscriberIDs {
		ledgers[id] = types.NewLedger(id, "gold", now.AddDate(0, -1, 0))
	}
	store := &fakeLedgerStore{
		ledgers: ledgers,
		due:     subscriberIDs,
		getErr:  map[string]error{},
		updErr:  map[string]error{},
	}
	eval := &fakeEvaluator{
		period:  types.PeriodKeyOf(now),
		evalErr: map[string]error{},
		noOp:    map[string]bool{},
	}
	return store, eval
}

func newTestRefresher(store *fakeLedgerStore, eval *fakeEvaluator, cfg RefresherConfig) *Refresher {
	clock := &mockClock{now: time.Date(2024, 2, 1, 0, 5, 0, 0, time.UTC)}
	return NewRefresher(store, eval, nil, clock, &mockLogger{}, cfg)
}

func TestRunSweep_RefreshesAllDueLedgers(t *testing.T) {
	store, eval := newSweepFixture("sub_1", "sub_2", "sub_3")
	r := newTestRefresher(store, eval, RefresherConfig{})

	stats, err := r.RunSweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 3 || stats.Applied != 3 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if len(store.updated) != 3 {
		t.Errorf("expected 3 persisted ledgers, got %d", len(store.updated))
	}
}

func TestRunSweep_DrainsMultipleBatches(t *testing.T) {
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("sub_%02d", i)
	}
	store, eval := newSweepFixture(ids...)
	r := newTestRefresher(store, eval, RefresherConfig{BatchSize: 10, Concurrency: 4})

	stats, err := r.RunSweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 25 || stats.Applied != 25 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRunSweep_FailureIsolatedToSubscriber(t *testing.T) {
	store, eval := newSweepFixture("sub_1", "sub_2", "sub_3")
	eval.evalErr["sub_2"] = types.NewAppError(types.ErrCodeTierUnknown, "tier retired", nil)

	r := newTestRefresher(store, eval, RefresherConfig{})

	stats, err := r.RunSweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 3 {
		t.Errorf("expected 3 processed, got %d", stats.Processed)
	}
	if stats.Applied != 2 {
		t.Errorf("expected 2 applied, got %d", stats.Applied)
	}
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", stats.Failed)
	}
}

func TestRunSweep_ConcurrentConflictCountsAsNoOp(t *testing.T) {
	store, eval := newSweepFixture("sub_1")
	store.updErr["sub_1"] = types.NewAppError(types.ErrCodeConflictConcurrent, "modified concurrently", nil)

	r := newTestRefresher(store, eval, RefresherConfig{})

	stats, err := r.RunSweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Failed != 0 {
		t.Errorf("conflict should not count as failure, got %d failed", stats.Failed)
	}
	if stats.NoOps != 1 {
		t.Errorf("expected 1 no-op, got %d", stats.NoOps)
	}
}

func TestRunSweep_NoOpResultsNotPersisted(t *testing.T) {
	store, eval := newSweepFixture("sub_1")
	eval.noOp["sub_1"] = true

	r := newTestRefresher(store, eval, RefresherConfig{})

	stats, err := r.RunSweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.NoOps != 1 {
		t.Errorf("expected 1 no-op, got %d", stats.NoOps)
	}
	if len(store.updated) != 0 {
		t.Errorf("no-op should not persist, got %d updates", len(store.updated))
	}
}

func TestRunSweep_ListErrorAborts(t *testing.T) {
	store, eval := newSweepFixture("sub_1")
	store.listErr = errors.New("db down")

	r := newTestRefresher(store, eval, RefresherConfig{})

	_, err := r.RunSweep(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunSweep_ReferenceTimeOverridesClock(t *testing.T) {
	store, eval := newSweepFixture("sub_1")
	r := newTestRefresher(store, eval, RefresherConfig{})

	// Backfill for March while the clock still says February.
	ref := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	eval.period = types.PeriodKeyOf(ref)

	stats, err := r.RunSweep(context.Background(), &ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Applied != 1 {
		t.Errorf("expected 1 applied, got %d", stats.Applied)
	}

	got := store.ledgers["sub_1"].LastRefreshed
	if got == nil || !got.Equal(types.PeriodKey{Year: 2024, Month: time.March}) {
		t.Errorf("expected ledger refreshed for 2024-03, got %v", got)
	}
}

func TestRunSweep_WarningsEmittedAsMetrics(t *testing.T) {
	store, eval := newSweepFixture("sub_1", "sub_2")
	eval.warnings = map[string][]types.Warning{
		"sub_1": {
			{Code: types.ErrCodePortBillingFailed, Message: "stripe timeout"},
			{Code: types.ErrCodePortNotificationFailed, Message: "queue unreachable"},
		},
		"sub_2": {
			{Code: types.ErrCodePerkUnknown, Message: "stale balance retained"},
		},
	}

	metrics := &fakeMetrics{}
	clock := &mockClock{now: time.Date(2024, 2, 1, 0, 5, 0, 0, time.UTC)}
	r := NewRefresher(store, eval, metrics, clock, &mockLogger{}, RefresherConfig{})

	if _, err := r.RunSweep(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(metrics.portFailures) != 2 {
		t.Fatalf("expected 2 port failure emissions, got %d", len(metrics.portFailures))
	}
	ports := map[string]bool{}
	for _, p := range metrics.portFailures {
		ports[p] = true
	}
	if !ports["billing"] || !ports["notification"] {
		t.Errorf("expected billing and notification ports, got %v", metrics.portFailures)
	}

	if len(metrics.warningCodes) != 1 || metrics.warningCodes[0] != types.ErrCodePerkUnknown {
		t.Errorf("expected one perk_unknown warning emission, got %v", metrics.warningCodes)
	}
	if metrics.sweeps != 1 {
		t.Errorf("expected 1 sweep emission, got %d", metrics.sweeps)
	}
}

func TestRunSweep_EmptyBacklogIsCleanFinish(t *testing.T) {
	store, eval := newSweepFixture()
	r := newTestRefresher(store, eval, RefresherConfig{})

	stats, err := r.RunSweep(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Processed != 0 {
		t.Errorf("expected 0 processed, got %d", stats.Processed)
	}
}
