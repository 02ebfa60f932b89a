package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInMemoryQueue(t *testing.T) *InMemoryQueue {
	t.Helper()
	q := NewInMemoryQueue(testConfig)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestInMemoryQueue_OrderedPerKey(t *testing.T) {
	testOrderedPerKey(t, newTestInMemoryQueue(t))
}

func TestInMemoryQueue_GroupsFanOut(t *testing.T) {
	testGroupsFanOut(t, newTestInMemoryQueue(t))
}

func TestInMemoryQueue_Redelivery(t *testing.T) {
	testRedelivery(t, newTestInMemoryQueue(t))
}

func TestInMemoryQueue_UnregisteredGroupsMissEarlierMessages(t *testing.T) {
	q := newTestInMemoryQueue(t)
	enqueue(t, q, "topic", "k", 1)
	require.NoError(t, q.Register(context.Background(), "topic", "g"))
	enqueue(t, q, "topic", "k", 2)
	assert.Equal(t, 1, q.Len("topic", "g"))
	assert.Equal(t, 0, q.Len("topic", "other"))
}

func TestInMemoryQueue_GroupBusy(t *testing.T) {
	q := newTestInMemoryQueue(t)
	consume(t, q, "topic", "g", func(context.Context, Message) error { return nil })

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := q.Consume(ctx, "topic", "g", func(context.Context, Message) error { return nil })
		return errors.Is(err, ErrGroupBusy)
	}, time.Second, 10*time.Millisecond)
}

func TestInMemoryQueue_HandlerPanicIsRedelivered(t *testing.T) {
	q := newTestInMemoryQueue(t)
	rec := newRecorder()
	panicked := false
	consume(t, q, "topic", "g", func(ctx context.Context, msg Message) error {
		if !panicked {
			panicked = true
			panic("boom")
		}
		return rec.handle(ctx, msg)
	})
	enqueue(t, q, "topic", "k", 7)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestInMemoryQueue_Closed(t *testing.T) {
	q := NewInMemoryQueue(testConfig)
	require.NoError(t, q.Close())
	err := q.Enqueue(context.Background(), Message{Topic: "t", Key: "k"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Register(context.Background(), "t", "g"), ErrClosed)
}

func TestInMemoryQueue_CloseStopsConsumers(t *testing.T) {
	q := NewInMemoryQueue(testConfig)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), "t", "g", func(context.Context, Message) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrClosed) {
			t.Fatalf("Consume returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Consume did not return after Close")
	}
}
