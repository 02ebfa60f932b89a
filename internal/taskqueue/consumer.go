package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// runPartitions runs fn once per partition and waits for all of them.
func runPartitions(ctx context.Context, n int, fn func(ctx context.Context, partition int)) {
	var wg sync.WaitGroup
	for p := range n {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			fn(ctx, p)
		}(p)
	}
	wg.Wait()
}

// deliver hands msg to h, redelivering with exponential backoff while it
// fails. It returns false only when ctx ended first; a message that keeps
// failing is logged and dropped.
func deliver(ctx context.Context, cfg Config, group string, h Handler, msg Message) bool {
	backoff := cfg.RedeliveryBackoff
	for attempt := 0; ; attempt++ {
		err := safeHandle(ctx, h, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= cfg.MaxRedeliveries {
			cfg.Logger.Error("dropping message after redeliveries",
				zap.String("topic", msg.Topic),
				zap.String("group", group),
				zap.String("key", msg.Key),
				zap.String("message_id", msg.ID),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return true
		}
		cfg.Logger.Warn("message handler failed, redelivering",
			zap.String("topic", msg.Topic),
			zap.String("group", group),
			zap.String("message_id", msg.ID),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
	}
}

var errHandlerPanic = errors.New("handler panicked")

func safeHandle(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return h(ctx, msg)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
