// Package pipeline drives one observation through dedup, reconciliation,
// delay computation, eligibility evaluation, and the atomic commit.
//
// Observations are partitioned onto shards by a hash of the flight key.
// Each shard is a single goroutine, so observations for the same flight are
// serialized without any global lock while different flights proceed fully
// in parallel.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eu-flight/monitor/internal/config"
	"eu-flight/monitor/internal/delay"
	"eu-flight/monitor/internal/eligibility"
	"eu-flight/monitor/internal/gateway"
	"eu-flight/monitor/internal/ledger"
	"eu-flight/monitor/internal/logging"
	"eu-flight/monitor/internal/metrics"
	"eu-flight/monitor/internal/models"
	"eu-flight/monitor/internal/reconciler"
)

// Item is one observation plus its delivery callbacks. Ack is invoked after
// the observation took durable effect or was permanently dropped; DeadLetter
// parks it for replay after retries are exhausted. Either may be nil.
type Item struct {
	Obs        models.FlightObservation
	Ack        func(ctx context.Context) error
	DeadLetter func(ctx context.Context, reason string) error
}

// Options tunes the pipeline's shape and retry policy.
type Options struct {
	NumShards     int
	ShardBuffer   int
	CommitTimeout time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
}

func (o *Options) fillDefaults() {
	if o.NumShards <= 0 {
		o.NumShards = 8
	}
	if o.ShardBuffer <= 0 {
		o.ShardBuffer = 64
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
}

// Publisher is the outbound surface the pipeline needs; satisfied by
// outbound.Publisher.
type Publisher interface {
	PublishEligibility(ev models.EligibilityEvent)
	PublishDelay(rec models.DelayRecord)
}

// Pipeline is the delay detection and reconciliation engine.
type Pipeline struct {
	rules *config.RulesHolder
	gw    gateway.Gateway
	led   ledger.Ledger
	out   Publisher
	mets  *metrics.Registry
	opts  Options

	shards []chan Item

	mu     sync.RWMutex
	closed bool
}

// New wires a pipeline. out may be nil when no outbound sink is attached.
func New(rules *config.RulesHolder, gw gateway.Gateway, led ledger.Ledger, out Publisher, mets *metrics.Registry, opts Options) *Pipeline {
	opts.fillDefaults()

	shards := make([]chan Item, opts.NumShards)
	for i := range shards {
		shards[i] = make(chan Item, opts.ShardBuffer)
	}
	return &Pipeline{
		rules:  rules,
		gw:     gw,
		led:    led,
		out:    out,
		mets:   mets,
		opts:   opts,
		shards: shards,
	}
}

// Run processes submissions until ctx is cancelled, then drains every shard
// before returning. In-flight critical sections always complete; there are
// no partial writes on shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i, ch := range p.shards {
		shardID := strconv.Itoa(i)
		shardCh := ch
		g.Go(func() error {
			for item := range shardCh {
				p.mets.ShardQueueDepth.WithLabelValues(shardID).Set(float64(len(shardCh)))
				p.process(item)
			}
			return nil
		})
	}

	<-ctx.Done()
	p.stop()
	return g.Wait()
}

// Submit routes an observation to its shard. Returns false once the
// pipeline is shutting down; the message stays unacked and will be
// redelivered on the next start.
func (p *Pipeline) Submit(item Item) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.shards[p.shardFor(item.Obs.Key())] <- item
	return true
}

func (p *Pipeline) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
}

func (p *Pipeline) shardFor(key models.FlightKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// process applies one observation. Runs on a shard goroutine, so all calls
// for one flight key are serialized.
func (p *Pipeline) process(item Item) {
	obs := item.Obs
	key := obs.Key()
	log := logging.WithFlight(key.String(), obs.SourceID)

	// Shutdown must not abort a started critical section, so the work
	// context is detached and bounded per call instead.
	baseCtx := context.Background()

	ok, err := p.led.ShouldProcess(baseCtx, obs.SourceID, obs.Fingerprint())
	if err != nil {
		// A dead ledger must not halt ingestion; worst case is a
		// redundant merge, which the reconciler absorbs.
		log.Warnw("Ledger unavailable, processing without dedup", "error", err.Error())
	} else if !ok {
		p.mets.DuplicatesSuppressed.Inc()
		p.mets.ObservationsTotal.WithLabelValues(obs.SourceID, "duplicate").Inc()
		p.ack(baseCtx, item, log)
		return
	}

	rules := p.rules.Snapshot()
	machine := eligibility.NewMachine(rules.ClaimDelayMinutes, rules.CancellationClaimable)

	backoff := p.opts.RetryBackoff
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		outcome, err := p.applyOnce(baseCtx, rules, machine, obs)
		switch {
		case err == nil:
			p.mets.ObservationsTotal.WithLabelValues(obs.SourceID, outcome).Inc()
			p.ack(baseCtx, item, log)
			return

		case errors.Is(err, models.ErrInconsistentTimestamps):
			// Time-traveling pair: retain prior state, drop without retry.
			p.mets.ReconcileConflicts.WithLabelValues("inconsistent_timestamps").Inc()
			p.mets.ObservationsTotal.WithLabelValues(obs.SourceID, "rejected").Inc()
			log.Warnw("Observation rejected", "error", err.Error())
			p.ack(baseCtx, item, log)
			return

		case errors.Is(err, models.ErrConflict):
			// A concurrent writer (another replica) raced ahead;
			// re-read and retry immediately.
			p.mets.CommitRetries.Inc()
			log.Debugw("Commit conflict, retrying with fresh read", "attempt", attempt)

		default:
			p.mets.CommitRetries.Inc()
			log.Warnw("Persistence unavailable, backing off",
				"attempt", attempt, "error", err.Error())
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	p.mets.ObservationsTotal.WithLabelValues(obs.SourceID, "dead_lettered").Inc()
	p.mets.DeadLettered.Inc()
	log.Errorw("Observation exhausted retries, parking on dead-letter path")

	// The observation never took effect, so its ledger entry must not
	// outlive it; a replay from the DLQ has to process as a first delivery.
	if err := p.led.Forget(baseCtx, obs.SourceID, obs.Fingerprint()); err != nil {
		log.Warnw("Ledger entry not released, replay may be suppressed", "error", err.Error())
	}
	if item.DeadLetter != nil {
		if err := item.DeadLetter(baseCtx, "persistence retries exhausted"); err != nil {
			log.Errorw("Dead-letter handoff failed", "error", err.Error())
			return
		}
	}
	// Dead-lettered messages are acked on the source stream; the DLQ owns
	// them now.
	p.ack(baseCtx, item, log)
}

// applyOnce runs one load-merge-commit cycle. Returns the outcome label on
// success.
func (p *Pipeline) applyOnce(baseCtx context.Context, rules *config.Rules, machine *eligibility.Machine, obs models.FlightObservation) (string, error) {
	ctx, cancel := context.WithTimeout(baseCtx, p.opts.CommitTimeout)
	defer cancel()

	snap, err := p.gw.Load(ctx, obs.Key())
	if err != nil {
		return "", err
	}

	result, err := reconciler.Reconcile(rules, snap.State, obs)
	if err != nil {
		return "", err
	}
	p.mets.FieldsAccepted.Add(float64(len(result.Accepted)))

	now := time.Now().UTC()
	rec := delay.Compute(result.State, snap.LastDelay, now)

	// Evaluate against the freshest figures even when nothing new was
	// appended: a status flip to terminal can decide eligibility on an
	// unchanged delay.
	effective := rec
	if effective == nil {
		effective = snap.LastDelay
	}
	elig, event := machine.Evaluate(snap.Eligibility, result.State, effective, now)

	if len(result.Accepted) == 0 && rec == nil && event == nil {
		// Stale observation that changed nothing; skip the write.
		return "noop", nil
	}

	next := &gateway.Snapshot{
		State:       result.State,
		LastDelay:   snap.LastDelay,
		Eligibility: elig,
	}
	if rec != nil {
		next.LastDelay = rec
	}

	if err := p.gw.Commit(ctx, next, rec, event); err != nil {
		return "", err
	}

	if rec != nil {
		p.mets.DelayRecordsWritten.Inc()
		if p.out != nil {
			p.out.PublishDelay(*rec)
		}
	}
	if event != nil {
		p.mets.EligibilityTransitions.WithLabelValues(string(event.From), string(event.To)).Inc()
		logging.WithFlight(obs.Key().String(), obs.SourceID).Infow("Claim eligibility transition",
			"from", event.From, "to", event.To, "reason", event.Reason)
		if p.out != nil {
			p.out.PublishEligibility(*event)
		}
	}
	return "applied", nil
}

func (p *Pipeline) ack(ctx context.Context, item Item, log *zap.SugaredLogger) {
	if item.Ack == nil {
		return
	}
	if err := item.Ack(ctx); err != nil {
		log.Warnw("Ack failed, message may be redelivered", "error", err.Error())
	}
}
