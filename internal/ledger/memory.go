package ledger

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"eu-flight/monitor/internal/config"
)

// MemoryLedger is a single-process ledger backed by an expiring cache.
// Entries older than the retention window are evicted; observations that old
// cannot recur meaningfully, so eviction is bounded housekeeping rather than
// a correctness concern.
type MemoryLedger struct {
	rules   *config.RulesHolder
	entries *gocache.Cache
}

// NewMemoryLedger builds a ledger whose retention window follows the current
// rules snapshot, so a hot-reloaded window applies to new entries.
func NewMemoryLedger(rules *config.RulesHolder) *MemoryLedger {
	retention := rules.Snapshot().LedgerRetention
	return &MemoryLedger{
		rules:   rules,
		entries: gocache.New(retention, retention/2),
	}
}

// ShouldProcess records the pair if absent. go-cache's Add is atomic, so two
// concurrent deliveries of the same observation race to exactly one winner.
func (l *MemoryLedger) ShouldProcess(_ context.Context, sourceID, fingerprint string) (bool, error) {
	err := l.entries.Add(entryKey(sourceID, fingerprint), time.Now().UTC(), l.rules.Snapshot().LedgerRetention)
	return err == nil, nil
}

// Forget drops the pair so its next delivery processes again.
func (l *MemoryLedger) Forget(_ context.Context, sourceID, fingerprint string) error {
	l.entries.Delete(entryKey(sourceID, fingerprint))
	return nil
}

func (l *MemoryLedger) Close() error {
	l.entries.Flush()
	return nil
}
