package memoryinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/memory"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLeaseManager implements memory.LeaseManager on Redis. Leases are
// SETNX keys with a TTL and a uuid owner token; a crashed holder is recovered
// by TTL expiry, so Release racing an expiry is harmless.
type RedisLeaseManager struct {
	client *redis.Client
}

func NewRedisLeaseManager(client *redis.Client) memory.LeaseManager {
	return &RedisLeaseManager{
		client: client,
	}
}

func leaseKey(key string) string {
	return fmt.Sprintf("recall:lease:%s", key)
}

func attemptsKey(key string) string {
	return fmt.Sprintf("recall:attempts:%s", key)
}

func exemptKey(key string) string {
	return fmt.Sprintf("recall:exempt:%s", key)
}

func lastSweepKey(projectID kernel.ProjectID) string {
	return fmt.Sprintf("recall:last_sweep:%s", projectID.String())
}

// TryAcquire takes the lease if free; a held lease returns acquired=false.
func (m *RedisLeaseManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()

	acquired, err := m.client.SetNX(ctx, leaseKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !acquired {
		return "", false, nil
	}

	return token, true, nil
}

// Release frees the lease if the token still owns it. A lease that expired
// or changed hands is left alone.
func (m *RedisLeaseManager) Release(ctx context.Context, key, token string) error {
	owner, err := m.client.Get(ctx, leaseKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("failed to read lease owner: %w", err)
	}
	if owner != token {
		return nil
	}

	if err := m.client.Del(ctx, leaseKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}

	return nil
}

// RecordFailure bumps the failure counter; reaching maxAttempts marks the
// key compression-exempt for the cooldown and clears the counter.
func (m *RedisLeaseManager) RecordFailure(ctx context.Context, key string, maxAttempts int, cooldown time.Duration) (bool, error) {
	count, err := m.client.Incr(ctx, attemptsKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record failure: %w", err)
	}
	if count == 1 {
		// Counter fades on its own if the cluster membership changes
		if err := m.client.Expire(ctx, attemptsKey(key), cooldown).Err(); err != nil {
			return false, fmt.Errorf("failed to expire failure counter: %w", err)
		}
	}

	if int(count) < maxAttempts {
		return false, nil
	}

	if err := m.client.Set(ctx, exemptKey(key), "1", cooldown).Err(); err != nil {
		return false, fmt.Errorf("failed to mark cluster exempt: %w", err)
	}
	if err := m.client.Del(ctx, attemptsKey(key)).Err(); err != nil {
		return false, fmt.Errorf("failed to clear failure counter: %w", err)
	}

	return true, nil
}

// IsExempt reports whether the key is inside its compression-exempt cooldown.
func (m *RedisLeaseManager) IsExempt(ctx context.Context, key string) (bool, error) {
	exists, err := m.client.Exists(ctx, exemptKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check exemption: %w", err)
	}

	return exists == 1, nil
}

// ClearFailures resets the failure counter after a success.
func (m *RedisLeaseManager) ClearFailures(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, attemptsKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear failure counter: %w", err)
	}

	return nil
}

// SetLastSweep records the completion time of a project sweep.
func (m *RedisLeaseManager) SetLastSweep(ctx context.Context, projectID kernel.ProjectID, at time.Time) error {
	if err := m.client.Set(ctx, lastSweepKey(projectID), at.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to record last sweep: %w", err)
	}

	return nil
}

// LastSweep returns the last recorded sweep time, or nil if none.
func (m *RedisLeaseManager) LastSweep(ctx context.Context, projectID kernel.ProjectID) (*time.Time, error) {
	raw, err := m.client.Get(ctx, lastSweepKey(projectID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read last sweep: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last sweep timestamp: %w", err)
	}

	return &at, nil
}
