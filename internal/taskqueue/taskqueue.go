package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one record on a topic. Messages with the same Key land in the
// same partition and are delivered in order within a consumer group.
type Message struct {
	ID         string
	Topic      string
	Key        string
	Payload    []byte
	EnqueuedAt time.Time
}

// Handler processes one message. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Queue is a keyed, partitioned, at-least-once message queue.
//
// Every consumer group of a topic receives each message enqueued after the
// group was first registered. Within a group, messages of one key are
// handled one at a time in enqueue order.
type Queue interface {
	// Enqueue appends msg to its topic. Empty ID and EnqueuedAt are filled in.
	Enqueue(ctx context.Context, msg Message) error

	// Register creates the consumer group without consuming, so messages
	// enqueued from now on are retained for it.
	Register(ctx context.Context, topic, group string) error

	// Consume registers the group and delivers its messages to h until ctx
	// is done. It returns nil on cancellation.
	Consume(ctx context.Context, topic, group string, h Handler) error

	Close() error
}

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrGroupBusy is returned when a group is already consumed in process
	// by a queue that cannot share a group between consumers.
	ErrGroupBusy = errors.New("consumer group already consumed")
)

// Config holds the settings shared by every queue implementation.
type Config struct {
	// Partitions is the number of partitions per topic. Each consumer group
	// runs one goroutine per partition.
	Partitions int

	// MaxRedeliveries bounds how often a failing message is handed to the
	// handler again before it is logged and dropped. Zero means 3; a
	// negative value disables redelivery.
	MaxRedeliveries int

	// RedeliveryBackoff is the delay before the first redelivery; it
	// doubles on every further attempt.
	RedeliveryBackoff time.Duration

	// PollInterval is the idle wait of polling implementations.
	PollInterval time.Duration

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.MaxRedeliveries < 0 {
		c.MaxRedeliveries = 0
	} else if c.MaxRedeliveries == 0 {
		c.MaxRedeliveries = 3
	}
	if c.RedeliveryBackoff <= 0 {
		c.RedeliveryBackoff = 50 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Partition maps key to a partition in [0, n).
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

func prepare(msg Message, now time.Time) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	return msg
}
