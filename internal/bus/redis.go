// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	channelPrefix  = "shiftcam:grp:"
	pendingPrefix  = "shiftcam:pending:cmd:"
	pendingIdxPref = "shiftcam:pending:user:"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// NewRedisClient dials Redis and verifies connectivity.
func NewRedisClient(cfg RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis")

	return client, nil
}

// RedisBus delivers envelopes over Redis pub/sub, one channel per group.
// Publish order per connection is preserved, which gives per-group ordering.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus wraps an existing client.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// Publish sends env on the group's channel.
func (b *RedisBus) Publish(ctx context.Context, group string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+group, data).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", group, err)
	}
	return nil
}

// Subscribe joins the group's channel. The subscription must be re-established
// after every transport reconnect; membership is not durable.
func (b *RedisBus) Subscribe(ctx context.Context, group string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channelPrefix+group)

	// Wait for subscription confirmation so no publish races the join.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: subscribe to %s: %w", group, err)
	}

	sub := &redisSub{ps: ps, ch: make(chan Envelope, subscriberBuffer)}
	go sub.pump(b.logger, group)
	return sub, nil
}

type redisSub struct {
	ps *redis.PubSub
	ch chan Envelope
}

func (s *redisSub) C() <-chan Envelope { return s.ch }

func (s *redisSub) Close() error {
	return s.ps.Close()
}

func (s *redisSub) pump(logger zerolog.Logger, group string) {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logger.Warn().Err(err).Str("group", group).Msg("bus: dropping malformed frame")
			continue
		}
		s.ch <- env
	}
}

// RedisLedger keeps pending command records under per-command keys with a
// native TTL, plus a per-user index set for FetchPending.
type RedisLedger struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisLedger wraps an existing client.
func NewRedisLedger(client *redis.Client, logger zerolog.Logger) *RedisLedger {
	return &RedisLedger{client: client, logger: logger}
}

// Record stores rec with its TTL and indexes it under the target user.
func (l *RedisLedger) Record(ctx context.Context, rec PendingCommandRecord) error {
	rec.TargetUserID = GroupFor(rec.TargetUserID)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("ledger: record %s already expired", rec.CommandID)
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, pendingPrefix+rec.CommandID, data, ttl)
	pipe.SAdd(ctx, pendingIdxPref+rec.TargetUserID, rec.CommandID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger: record %s: %w", rec.CommandID, err)
	}
	return nil
}

// Acknowledge removes the given records. Ids that are unknown, already
// acknowledged or expired are skipped silently.
func (l *RedisLedger) Acknowledge(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		data, err := l.client.Get(ctx, pendingPrefix+id).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("ledger: ack %s: %w", id, err)
		}

		var rec PendingCommandRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// Unreadable record: delete the key, leave the index to the sweep.
			_ = l.client.Del(ctx, pendingPrefix+id).Err()
			continue
		}

		pipe := l.client.TxPipeline()
		pipe.Del(ctx, pendingPrefix+id)
		pipe.SRem(ctx, pendingIdxPref+rec.TargetUserID, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("ledger: ack %s: %w", id, err)
		}
	}
	return nil
}

// FetchPending returns the unexpired commands for userID in issue order.
// Index entries whose record key has expired are pruned on the way.
func (l *RedisLedger) FetchPending(ctx context.Context, userID string) ([]Command, error) {
	user := GroupFor(userID)
	ids, err := l.client.SMembers(ctx, pendingIdxPref+user).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch pending for %s: %w", user, err)
	}

	var out []Command
	for _, id := range ids {
		data, err := l.client.Get(ctx, pendingPrefix+id).Bytes()
		if err == redis.Nil {
			_ = l.client.SRem(ctx, pendingIdxPref+user, id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger: fetch pending for %s: %w", user, err)
		}

		var rec PendingCommandRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			l.logger.Warn().Err(err).Str("command_id", id).Msg("ledger: dropping unreadable record")
			_ = l.client.Del(ctx, pendingPrefix+id).Err()
			_ = l.client.SRem(ctx, pendingIdxPref+user, id).Err()
			continue
		}
		out = append(out, rec.Payload)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// SweepOnce prunes index entries whose record keys have expired. Redis
// already drops the record keys themselves via TTL.
func (l *RedisLedger) SweepOnce(ctx context.Context) (int, error) {
	removed := 0
	iter := l.client.Scan(ctx, 0, pendingIdxPref+"*", 100).Iterator()
	for iter.Next(ctx) {
		idxKey := iter.Val()
		ids, err := l.client.SMembers(ctx, idxKey).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			exists, err := l.client.Exists(ctx, pendingPrefix+id).Result()
			if err != nil {
				return removed, err
			}
			if exists == 0 {
				if err := l.client.SRem(ctx, idxKey, id).Err(); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}
	return removed, iter.Err()
}
