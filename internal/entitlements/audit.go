package entitlements

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"perkledger/internal/types"
)

// MemoryAuditSink is an in-memory AuditSink. It backs local development and
// tests; production uses the database-backed sink in internal/db.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []types.AuditEntry
}

// NewMemoryAuditSink creates an empty in-memory audit sink.
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

// Record appends the entry, assigning it an ID.
func (s *MemoryAuditSink) Record(_ context.Context, entry types.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.NewString()
	s.entries = append(s.entries, entry)
}

// Entries returns a snapshot of the recorded entries in insertion order.
func (s *MemoryAuditSink) Entries() []types.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// SlogAuditSink writes audit entries to the structured log. Useful for
// workers that do not need a queryable trail.
type SlogAuditSink struct {
	logger *slog.Logger
}

// NewSlogAuditSink creates an AuditSink that logs entries at info level.
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditSink{logger: logger}
}

// Record logs the entry.
func (s *SlogAuditSink) Record(_ context.Context, entry types.AuditEntry) {
	s.logger.Info("ledger audit",
		slog.String("subscriber_id", entry.SubscriberID),
		slog.String("tier", string(entry.Tier)),
		slog.String("action", string(entry.Action)),
		slog.Any("details", entry.Details),
		slog.Time("occurred_at", entry.OccurredAt),
	)
}

// Compile-time interface assertions.
var (
	_ types.AuditSink = (*MemoryAuditSink)(nil)
	_ types.AuditSink = (*SlogAuditSink)(nil)
)
