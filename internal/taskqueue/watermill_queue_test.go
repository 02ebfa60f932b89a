package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatermillQueue(t *testing.T) *WatermillQueue {
	t.Helper()
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          true,
		},
		watermill.NopLogger{},
	)
	t.Cleanup(func() { _ = pubsub.Close() })
	return NewWatermillQueue(pubsub, func(string) (message.Subscriber, error) { return pubsub, nil }, testConfig)
}

func TestWatermillQueue_OrderedPerKey(t *testing.T) {
	testOrderedPerKey(t, newTestWatermillQueue(t))
}

func TestWatermillQueue_GroupsFanOut(t *testing.T) {
	testGroupsFanOut(t, newTestWatermillQueue(t))
}

func TestWatermillQueue_Redelivery(t *testing.T) {
	testRedelivery(t, newTestWatermillQueue(t))
}

func TestWatermillQueue_CarriesKeyAndDate(t *testing.T) {
	q := newTestWatermillQueue(t)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	got := make(chan Message, 1)
	consume(t, q, "topic", "g", func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, q.Enqueue(context.Background(), Message{ID: "m1", Topic: "topic", Key: "exec-1", Payload: []byte("x"), EnqueuedAt: at}))

	select {
	case msg := <-got:
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "exec-1", msg.Key)
		assert.Equal(t, "topic", msg.Topic)
		assert.True(t, at.Equal(msg.EnqueuedAt))
	case <-time.After(5 * time.Second):
		t.Fatalf("message not delivered")
	}
}
