// Package outbound decouples eligibility-event delivery from ingestion.
// Events are handed to a buffered queue and published to a Redis stream with
// independent retries, so a slow notification sink never stalls the
// pipeline. The durable copy lives in the eligibility_events outbox; this
// path is the low-latency push.
package outbound

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"eu-flight/monitor/internal/gateway"
	"eu-flight/monitor/internal/logging"
	"eu-flight/monitor/internal/models"
)

const (
	queueDepth     = 256
	publishRetries = 5
	retryBase      = 200 * time.Millisecond
)

// Publisher pushes eligibility transitions and delay records to Redis
// streams for the notification and analytics collaborators.
type Publisher struct {
	client            *redis.Client
	gw                gateway.Gateway
	eligibilityStream string
	analyticsStream   string

	events chan models.EligibilityEvent
	delays chan models.DelayRecord

	closeOnce sync.Once
	done      chan struct{}
}

// NewPublisher builds a publisher on an existing Redis client. gw may be nil
// when no outbox bookkeeping is wanted (tests).
func NewPublisher(client *redis.Client, gw gateway.Gateway, eligibilityStream, analyticsStream string) *Publisher {
	return &Publisher{
		client:            client,
		gw:                gw,
		eligibilityStream: eligibilityStream,
		analyticsStream:   analyticsStream,
		events:            make(chan models.EligibilityEvent, queueDepth),
		delays:            make(chan models.DelayRecord, queueDepth),
		done:              make(chan struct{}),
	}
}

// PublishEligibility enqueues an event without blocking. When the queue is
// full the event is not lost: the committed outbox row stays unpublished and
// a replay job can re-deliver it.
func (p *Publisher) PublishEligibility(ev models.EligibilityEvent) {
	select {
	case p.events <- ev:
	default:
		logging.Warn("Outbound eligibility queue full, leaving event to outbox replay",
			"event_id", ev.ID, "flight_key", ev.Key.String())
	}
}

// PublishDelay mirrors a delay record to the analytics stream, best effort.
func (p *Publisher) PublishDelay(rec models.DelayRecord) {
	select {
	case p.delays <- rec:
	default:
		logging.Debug("Analytics queue full, dropping delay record", "record_id", rec.ID)
	}
}

// Run drains the queues until Close is called, then flushes what is buffered.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.events:
			p.deliverEvent(ctx, ev)
		case rec := <-p.delays:
			p.deliverDelay(ctx, rec)
		case <-p.done:
			p.flushEvents(ctx)
			p.flushDelays(ctx)
			return
		}
	}
}

// Close stops Run after the buffered items are flushed.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Publisher) flushEvents(ctx context.Context) {
	for {
		select {
		case ev := <-p.events:
			p.deliverEvent(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) flushDelays(ctx context.Context) {
	for {
		select {
		case rec := <-p.delays:
			p.deliverDelay(ctx, rec)
		default:
			return
		}
	}
}

func (p *Publisher) deliverEvent(ctx context.Context, ev models.EligibilityEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error("Failed to marshal eligibility event", "event_id", ev.ID, "error", err.Error())
		return
	}

	if !p.addWithRetry(ctx, p.eligibilityStream, payload) {
		logging.Error("Eligibility event delivery exhausted retries, relying on outbox replay",
			"event_id", ev.ID, "flight_key", ev.Key.String())
		return
	}

	if p.gw != nil {
		if err := p.gw.MarkEventPublished(ctx, ev.ID); err != nil {
			logging.Warn("Failed to mark event published", "event_id", ev.ID, "error", err.Error())
		}
	}
}

func (p *Publisher) deliverDelay(ctx context.Context, rec models.DelayRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		logging.Error("Failed to marshal delay record", "record_id", rec.ID, "error", err.Error())
		return
	}
	// Analytics is advisory; one attempt is enough.
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.analyticsStream,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err(); err != nil {
		logging.Debug("Analytics publish failed", "record_id", rec.ID, "error", err.Error())
	}
}

func (p *Publisher) addWithRetry(ctx context.Context, stream string, payload []byte) bool {
	backoff := retryBase
	for attempt := 0; attempt < publishRetries; attempt++ {
		err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"data": string(payload)},
		}).Err()
		if err == nil {
			return true
		}
		logging.Warn("Outbound publish failed",
			"stream", stream, "attempt", strconv.Itoa(attempt+1), "error", err.Error())
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return false
}
