package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eu-flight/monitor/internal/config"
)

func holderWithRetention(retention time.Duration) *config.RulesHolder {
	rules := config.DefaultRules()
	rules.LedgerRetention = retention
	return config.NewRulesHolder(rules)
}

func TestMemoryLedger_FirstDeliveryOnly(t *testing.T) {
	led := NewMemoryLedger(holderWithRetention(time.Hour))
	defer led.Close()
	ctx := context.Background()

	ok, err := led.ShouldProcess(ctx, "airline-feed", "fp-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !ok {
		t.Error("First delivery must process")
	}

	ok, err = led.ShouldProcess(ctx, "airline-feed", "fp-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if ok {
		t.Error("Redelivery must be suppressed")
	}
}

func TestMemoryLedger_SourcesAreIndependent(t *testing.T) {
	led := NewMemoryLedger(holderWithRetention(time.Hour))
	defer led.Close()
	ctx := context.Background()

	if ok, _ := led.ShouldProcess(ctx, "airline-feed", "fp-1"); !ok {
		t.Error("First source must process")
	}
	if ok, _ := led.ShouldProcess(ctx, "aggregator", "fp-1"); !ok {
		t.Error("Same fingerprint from a different source is a distinct delivery")
	}
}

func TestMemoryLedger_ForgetAllowsReplay(t *testing.T) {
	led := NewMemoryLedger(holderWithRetention(time.Hour))
	defer led.Close()
	ctx := context.Background()

	if ok, _ := led.ShouldProcess(ctx, "airline-feed", "fp-1"); !ok {
		t.Fatal("First delivery must process")
	}
	if err := led.Forget(ctx, "airline-feed", "fp-1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if ok, _ := led.ShouldProcess(ctx, "airline-feed", "fp-1"); !ok {
		t.Error("Replay after Forget must process as a first delivery")
	}

	// Forgetting an absent pair is harmless.
	if err := led.Forget(ctx, "airline-feed", "fp-never-seen"); err != nil {
		t.Errorf("Forget of unknown pair failed: %v", err)
	}
}

func TestMemoryLedger_RetentionFollowsRulesSnapshot(t *testing.T) {
	holder := holderWithRetention(time.Hour)
	led := NewMemoryLedger(holder)
	defer led.Close()
	ctx := context.Background()

	// Shrink the window via a rules swap; new entries expire on the new TTL.
	shorter := config.DefaultRules()
	shorter.LedgerRetention = 10 * time.Millisecond
	holder.Swap(shorter)

	if ok, _ := led.ShouldProcess(ctx, "airline-feed", "fp-short"); !ok {
		t.Fatal("First delivery must process")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := led.ShouldProcess(ctx, "airline-feed", "fp-short"); !ok {
		t.Error("Entry must expire on the swapped retention window")
	}
}

func TestMemoryLedger_ConcurrentDeliveriesOneWinner(t *testing.T) {
	led := NewMemoryLedger(holderWithRetention(time.Hour))
	defer led.Close()
	ctx := context.Background()

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := led.ShouldProcess(ctx, "airline-feed", "fp-race")
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("Expected exactly one winner, got %d", got)
	}
}
