package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on Redis Streams. Each topic partition is one
// stream and each group a Redis consumer group on every partition stream:
//
//	<prefix>stream:<topic>:<partition>  => entries {id, key, payload, at}
//
// Entries left pending by a dead consumer are claimed after ClaimIdle.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
	// ClaimIdle is how long an entry stays pending before another
	// consumer of the group takes it over.
	ClaimIdle time.Duration
	block     time.Duration
	batch     int64
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "conductor:").
func NewRedisQueue(client redis.UniversalClient, prefix string, cfg Config) *RedisQueue {
	if prefix == "" {
		prefix = "conductor:"
	}
	return &RedisQueue{
		client:    client,
		prefix:    prefix,
		cfg:       cfg.withDefaults(),
		ClaimIdle: 30 * time.Second,
		block:     time.Second,
		batch:     32,
	}
}

func (q *RedisQueue) stream(topic string, partition int) string {
	return q.prefix + "stream:" + topic + ":" + strconv.Itoa(partition)
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	msg = prepare(msg, time.Now())
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream(msg.Topic, Partition(msg.Key, q.cfg.Partitions)),
		Values: map[string]any{
			"id":      msg.ID,
			"key":     msg.Key,
			"payload": msg.Payload,
			"at":      msg.EnqueuedAt.UnixNano(),
		},
	}).Err()
}

func (q *RedisQueue) Register(ctx context.Context, topic, group string) error {
	for p := range q.cfg.Partitions {
		err := q.client.XGroupCreateMkStream(ctx, q.stream(topic, p), group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, topic, group string, h Handler) error {
	if err := q.Register(ctx, topic, group); err != nil {
		return err
	}
	consumer := uuid.NewString()
	runPartitions(ctx, q.cfg.Partitions, func(ctx context.Context, p int) {
		stream := q.stream(topic, p)
		log := q.cfg.Logger.Sugar()
		for ctx.Err() == nil {
			claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: consumer,
				MinIdle:  q.ClaimIdle,
				Start:    "0-0",
				Count:    q.batch,
			}).Result()
			if err != nil && ctx.Err() == nil {
				log.Warnf("claim %s/%s: %v", stream, group, err)
			}
			if !q.handle(ctx, stream, group, h, topic, claimed) {
				return
			}

			res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    group,
				Consumer: consumer,
				Streams:  []string{stream, ">"},
				Count:    q.batch,
				Block:    q.block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Warnf("read %s/%s: %v", stream, group, err)
					sleep(ctx, q.cfg.PollInterval)
				}
				continue
			}
			for _, s := range res {
				if !q.handle(ctx, stream, group, h, topic, s.Messages) {
					return
				}
			}
		}
	})
	return nil
}

func (q *RedisQueue) handle(ctx context.Context, stream, group string, h Handler, topic string, entries []redis.XMessage) bool {
	for _, e := range entries {
		msg := Message{Topic: topic}
		msg.ID, _ = e.Values["id"].(string)
		msg.Key, _ = e.Values["key"].(string)
		payload, _ := e.Values["payload"].(string)
		msg.Payload = []byte(payload)
		if at, ok := e.Values["at"].(string); ok {
			if n, err := strconv.ParseInt(at, 10, 64); err == nil {
				msg.EnqueuedAt = time.Unix(0, n).UTC()
			}
		}
		if !deliver(ctx, q.cfg, group, h, msg) {
			return false
		}
		if err := q.client.XAck(ctx, stream, group, e.ID).Err(); err != nil {
			q.cfg.Logger.Sugar().Warnf("ack %s/%s entry %s: %v", stream, group, e.ID, err)
		}
	}
	return true
}

// Close is a no-op; the client belongs to the caller.
func (q *RedisQueue) Close() error { return nil }
