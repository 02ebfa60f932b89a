package taskqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys carried by watermill messages.
const (
	metadataKey        = "key"
	metadataEnqueuedAt = "enqueued_at"
)

// SubscriberFactory returns the subscriber used by one consumer group.
// Brokers with native groups (Kafka, AMQP) build a subscriber configured
// for group; broadcast pubsubs such as gochannel may return a shared one.
type SubscriberFactory func(group string) (message.Subscriber, error)

// WatermillQueue adapts a watermill Publisher/Subscriber pair to Queue.
// Partitions map to the watermill topics "<topic>.<partition>"; each
// partition subscription is handled sequentially with Ack after success.
type WatermillQueue struct {
	publisher   message.Publisher
	subscribers SubscriberFactory
	cfg         Config
}

// Ensure WatermillQueue implements Queue.
var _ Queue = (*WatermillQueue)(nil)

// NewWatermillQueue wraps publisher and the subscribers built by factory.
func NewWatermillQueue(publisher message.Publisher, factory SubscriberFactory, cfg Config) *WatermillQueue {
	return &WatermillQueue{publisher: publisher, subscribers: factory, cfg: cfg.withDefaults()}
}

func (q *WatermillQueue) topic(topic string, partition int) string {
	return topic + "." + strconv.Itoa(partition)
}

func (q *WatermillQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg = prepare(msg, time.Now())
	wm := message.NewMessage(msg.ID, msg.Payload)
	wm.Metadata.Set(metadataKey, msg.Key)
	wm.Metadata.Set(metadataEnqueuedAt, msg.EnqueuedAt.Format(time.RFC3339Nano))
	return q.publisher.Publish(q.topic(msg.Topic, Partition(msg.Key, q.cfg.Partitions)), wm)
}

// Register only checks that a subscriber can be built for group. Whether
// messages are retained for a group before it subscribes depends on the
// broker.
func (q *WatermillQueue) Register(ctx context.Context, topic, group string) error {
	_, err := q.subscribers(group)
	return err
}

func (q *WatermillQueue) Consume(ctx context.Context, topic, group string, h Handler) error {
	sub, err := q.subscribers(group)
	if err != nil {
		return err
	}
	channels := make([]<-chan *message.Message, q.cfg.Partitions)
	for p := range channels {
		ch, err := sub.Subscribe(ctx, q.topic(topic, p))
		if err != nil {
			return err
		}
		channels[p] = ch
	}

	runPartitions(ctx, q.cfg.Partitions, func(ctx context.Context, p int) {
		for {
			select {
			case <-ctx.Done():
				return
			case wm, ok := <-channels[p]:
				if !ok {
					return
				}
				msg := Message{
					ID:      wm.UUID,
					Topic:   topic,
					Key:     wm.Metadata.Get(metadataKey),
					Payload: wm.Payload,
				}
				if at, err := time.Parse(time.RFC3339Nano, wm.Metadata.Get(metadataEnqueuedAt)); err == nil {
					msg.EnqueuedAt = at
				}
				if !deliver(ctx, q.cfg, group, h, msg) {
					wm.Nack()
					return
				}
				wm.Ack()
			}
		}
	})
	return nil
}

// Close closes the publisher. Subscribers are closed by their owner.
func (q *WatermillQueue) Close() error {
	return q.publisher.Close()
}
