package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"eu-flight/monitor/internal/config"
)

// RedisLedger shares the dedup window across engine replicas. SET NX EX is
// the atomic upsert-if-absent; the TTL is the retention window from the
// current rules snapshot.
type RedisLedger struct {
	client *redis.Client
	rules  *config.RulesHolder
}

// NewRedisLedger builds a ledger on an existing Redis client.
func NewRedisLedger(client *redis.Client, rules *config.RulesHolder) *RedisLedger {
	return &RedisLedger{client: client, rules: rules}
}

func (l *RedisLedger) ShouldProcess(ctx context.Context, sourceID, fingerprint string) (bool, error) {
	retention := l.rules.Snapshot().LedgerRetention
	ok, err := l.client.SetNX(ctx, entryKey(sourceID, fingerprint), time.Now().UTC().Unix(), retention).Result()
	if err != nil {
		return false, fmt.Errorf("ledger setnx: %w", err)
	}
	return ok, nil
}

// Forget drops the pair so its next delivery processes again.
func (l *RedisLedger) Forget(ctx context.Context, sourceID, fingerprint string) error {
	if err := l.client.Del(ctx, entryKey(sourceID, fingerprint)).Err(); err != nil {
		return fmt.Errorf("ledger del: %w", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (l *RedisLedger) Close() error {
	return nil
}
