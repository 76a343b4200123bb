package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ObservationQueue provides the inbound observation stream on Redis Streams
// with consumer-group semantics: at-least-once delivery, explicit acks, and
// reclaim of messages stranded by a dead consumer.
type ObservationQueue struct {
	client *redis.Client
}

// NewObservationQueue creates a queue service on an existing client.
func NewObservationQueue(client *redis.Client) *ObservationQueue {
	return &ObservationQueue{client: client}
}

// Envelope is one raw observation delivery from a source connector.
type Envelope struct {
	SourceID   string          `json:"source_id"`
	Sequence   int64           `json:"sequence"`
	ObservedAt time.Time       `json:"observed_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Enqueue adds an observation delivery to the stream.
func (q *ObservationQueue) Enqueue(ctx context.Context, stream string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal observation envelope: %w", err)
	}

	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}
	return nil
}

// CreateConsumerGroup ensures the consumer group exists, tolerating the
// BUSYGROUP reply when another replica created it first.
func (q *ObservationQueue) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Dequeue reads the next delivery for a consumer, blocking up to blockTime.
// Returns (nil, "", nil) on timeout.
func (q *ObservationQueue) Dequeue(ctx context.Context, stream, group, consumer string, blockTime time.Duration) (*Envelope, string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    blockTime,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, "", nil
	}

	msg := streams[0].Messages[0]
	env, err := decodeMessage(msg)
	if err != nil {
		return nil, msg.ID, err
	}
	return env, msg.ID, nil
}

// Ack acknowledges a processed message.
func (q *ObservationQueue) Ack(ctx context.Context, stream, group, messageID string) error {
	return q.client.XAck(ctx, stream, group, messageID).Err()
}

// ClaimStale reassigns messages idle longer than minIdle to this consumer,
// so work stranded by a crashed worker is not lost.
func (q *ObservationQueue) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]*Envelope, []string, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    50,
	}).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim stale messages: %w", err)
	}

	var (
		envs []*Envelope
		ids  []string
	)
	for _, msg := range msgs {
		env, err := decodeMessage(msg)
		if err != nil {
			// Undecodable after a reclaim: ack it away, it can never
			// succeed.
			_ = q.Ack(ctx, stream, group, msg.ID)
			continue
		}
		envs = append(envs, env)
		ids = append(ids, msg.ID)
	}
	return envs, ids, nil
}

// DeadLetter parks a delivery on the dead-letter stream for replay.
func (q *ObservationQueue) DeadLetter(ctx context.Context, dlqStream string, env *Envelope, reason string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter envelope: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: map[string]interface{}{
			"data":   string(data),
			"reason": reason,
			"at":     time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
}

func decodeMessage(msg redis.XMessage) (*Envelope, error) {
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s has no data field", msg.ID)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(dataStr), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope from %s: %w", msg.ID, err)
	}
	return &env, nil
}
