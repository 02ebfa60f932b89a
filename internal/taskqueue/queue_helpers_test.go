package taskqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	Partitions:        4,
	MaxRedeliveries:   3,
	RedeliveryBackoff: time.Millisecond,
	PollInterval:      5 * time.Millisecond,
}

// recorder collects delivered messages per key.
type recorder struct {
	mu    sync.Mutex
	byKey map[string][]int
	total int
}

func newRecorder() *recorder {
	return &recorder{byKey: make(map[string][]int)}
}

func (r *recorder) handle(ctx context.Context, msg Message) error {
	n, err := strconv.Atoi(string(msg.Payload))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[msg.Key] = append(r.byKey[msg.Key], n)
	r.total++
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// consume runs q.Consume in the background until the test ends.
func consume(t *testing.T, q Queue, topic, group string, h Handler) {
	t.Helper()
	require.NoError(t, q.Register(context.Background(), topic, group))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, topic, group, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Consume returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Consume did not return after cancellation")
		}
	})
}

func enqueue(t *testing.T, q Queue, topic, key string, n int) {
	t.Helper()
	err := q.Enqueue(context.Background(), Message{Topic: topic, Key: key, Payload: []byte(strconv.Itoa(n))})
	require.NoError(t, err)
}

func testOrderedPerKey(t *testing.T, q Queue) {
	topic := "ordered-" + t.Name()
	rec := newRecorder()
	require.NoError(t, q.Register(context.Background(), topic, "g"))

	keys := []string{"a", "b", "c", "d", "e"}
	const perKey = 20
	for i := range perKey {
		for _, k := range keys {
			enqueue(t, q, topic, k, i)
		}
	}
	consume(t, q, topic, "g", rec.handle)

	require.Eventually(t, func() bool { return rec.count() == perKey*len(keys) }, 10*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, k := range keys {
		got := rec.byKey[k]
		require.Len(t, got, perKey, "key %s", k)
		for i, n := range got {
			if n != i {
				t.Fatalf("key %s delivered out of order: %v", k, got)
			}
		}
	}
}

func testGroupsFanOut(t *testing.T, q Queue) {
	topic := "fanout-" + t.Name()
	r1, r2 := newRecorder(), newRecorder()
	consume(t, q, topic, "g1", r1.handle)
	consume(t, q, topic, "g2", r2.handle)

	for i := range 10 {
		enqueue(t, q, topic, fmt.Sprintf("k%d", i), i)
	}
	require.Eventually(t, func() bool { return r1.count() == 10 && r2.count() == 10 }, 10*time.Second, 10*time.Millisecond)
}

func testRedelivery(t *testing.T, q Queue) {
	topic := "redelivery-" + t.Name()
	rec := newRecorder()
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	h := func(ctx context.Context, msg Message) error {
		mu.Lock()
		calls[string(msg.Payload)]++
		c := calls[string(msg.Payload)]
		mu.Unlock()
		switch {
		case string(msg.Payload) == "1" && c < 3:
			return fmt.Errorf("transient failure %d", c)
		case string(msg.Payload) == "2":
			return fmt.Errorf("permanent failure")
		}
		return rec.handle(ctx, msg)
	}
	consume(t, q, topic, "g", h)

	enqueue(t, q, topic, "k", 1)
	enqueue(t, q, topic, "k", 2)
	enqueue(t, q, topic, "k", 3)

	require.Eventually(t, func() bool { return rec.count() == 2 }, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls["1"], "transient failure is redelivered until success")
	assert.Equal(t, 1+testConfig.MaxRedeliveries, calls["2"], "permanent failure is dropped after the redeliveries")
	rec.mu.Lock()
	assert.Equal(t, []int{1, 3}, rec.byKey["k"])
	rec.mu.Unlock()
}
