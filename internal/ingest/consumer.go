package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"eu-flight/monitor/internal/config"
	"eu-flight/monitor/internal/logging"
	"eu-flight/monitor/internal/metrics"
	"eu-flight/monitor/internal/models"
	"eu-flight/monitor/internal/normalizer"
	"eu-flight/monitor/internal/pipeline"
)

const (
	dequeueBlock  = 5 * time.Second
	claimInterval = 2 * time.Minute
	claimMinIdle  = 5 * time.Minute
)

// Consumer pulls raw observation deliveries off the stream, normalizes them,
// and hands them to the pipeline with an ack bound to the stream message.
type Consumer struct {
	queue     *ObservationQueue
	pipe      *pipeline.Pipeline
	rules     *config.RulesHolder
	mets      *metrics.Registry
	stream    string
	dlqStream string
	group     string
}

// NewConsumer wires a consumer for the observation stream.
func NewConsumer(queue *ObservationQueue, pipe *pipeline.Pipeline, rules *config.RulesHolder, mets *metrics.Registry, stream, dlqStream, group string) *Consumer {
	return &Consumer{
		queue:     queue,
		pipe:      pipe,
		rules:     rules,
		mets:      mets,
		stream:    stream,
		dlqStream: dlqStream,
		group:     group,
	}
}

// Start runs numConsumers readers plus a stale-message claimer until ctx is
// cancelled.
func (c *Consumer) Start(ctx context.Context, numConsumers int) error {
	if err := c.queue.CreateConsumerGroup(ctx, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to prepare consumer group: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < numConsumers; i++ {
		wg.Add(1)
		consumerName := fmt.Sprintf("engine-consumer-%d", i)
		go func(name string) {
			defer wg.Done()
			c.consume(ctx, name)
		}(consumerName)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.claimStale(ctx)
	}()

	wg.Wait()
	logging.Info("Ingest consumers stopped", "stream", c.stream)
	return nil
}

func (c *Consumer) consume(ctx context.Context, consumerName string) {
	log := logging.WithComponent("ingest").With("consumer", consumerName)
	log.Infow("Consumer started", "stream", c.stream)

	for {
		select {
		case <-ctx.Done():
			log.Infow("Consumer shutting down")
			return
		default:
			env, messageID, err := c.queue.Dequeue(ctx, c.stream, c.group, consumerName, dequeueBlock)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warnw("Dequeue failed", "error", err.Error())
				time.Sleep(time.Second)
				continue
			}
			if env == nil {
				if messageID != "" {
					// Poison message that cannot decode; it will
					// never improve.
					_ = c.queue.Ack(ctx, c.stream, c.group, messageID)
				}
				continue
			}
			c.handle(ctx, env, messageID, log)
		}
	}
}

// handle normalizes one delivery and submits it to the pipeline. Malformed
// payloads are dropped with a logged reason and acked: retrying cannot fix
// them.
func (c *Consumer) handle(ctx context.Context, env *Envelope, messageID string, log *zap.SugaredLogger) {
	rules := c.rules.Snapshot()
	obs, err := normalizer.Normalize(env.Payload, normalizer.SourceMeta{
		SourceID:   env.SourceID,
		Sequence:   env.Sequence,
		ObservedAt: env.ObservedAt,
	}, rules)
	if err != nil {
		if errors.Is(err, models.ErrMalformedInput) {
			c.mets.ObservationsTotal.WithLabelValues(env.SourceID, "malformed").Inc()
			log.Warnw("Dropping malformed observation",
				"source_id", env.SourceID, "reason", err.Error())
			_ = c.queue.Ack(ctx, c.stream, c.group, messageID)
			return
		}
		log.Warnw("Normalization failed", "source_id", env.SourceID, "error", err.Error())
		_ = c.queue.Ack(ctx, c.stream, c.group, messageID)
		return
	}

	item := pipeline.Item{
		Obs: *obs,
		Ack: func(ackCtx context.Context) error {
			return c.queue.Ack(ackCtx, c.stream, c.group, messageID)
		},
		DeadLetter: func(dlCtx context.Context, reason string) error {
			return c.queue.DeadLetter(dlCtx, c.dlqStream, env, reason)
		},
	}
	if !c.pipe.Submit(item) {
		// Pipeline is draining; leave the message unacked so the next
		// start reclaims it.
		log.Warnw("Pipeline closed, leaving message for redelivery", "message_id", messageID)
	}
}

func (c *Consumer) claimStale(ctx context.Context) {
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()

	log := logging.WithComponent("ingest").With("consumer", "stale-claimer")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			envs, ids, err := c.queue.ClaimStale(ctx, c.stream, c.group, "engine-claimer", claimMinIdle)
			if err != nil {
				log.Warnw("Stale claim failed", "error", err.Error())
				continue
			}
			if len(envs) == 0 {
				continue
			}
			log.Infow("Claimed stale observations", "count", len(envs))
			for i, env := range envs {
				c.handle(ctx, env, ids[i], log)
			}
		}
	}
}
