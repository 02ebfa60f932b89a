package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory. Every (topic, group,
// partition) owns a FIFO buffer; consumers are woken through a channel
// instead of polling. It is safe for concurrent use.
type InMemoryQueue struct {
	cfg Config

	mu     sync.Mutex
	groups map[string]map[string]*memoryGroup // topic -> group
	closed bool
	done   chan struct{}
}

type memoryGroup struct {
	partitions []*memoryPartition
	consuming  bool
}

type memoryPartition struct {
	mu      sync.Mutex
	pending []Message
	notify  chan struct{}
}

// NewInMemoryQueue creates an empty in-memory queue.
func NewInMemoryQueue(cfg Config) *InMemoryQueue {
	return &InMemoryQueue{
		cfg:    cfg.withDefaults(),
		groups: make(map[string]map[string]*memoryGroup),
		done:   make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg = prepare(msg, time.Now())
	p := Partition(msg.Key, q.cfg.Partitions)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for _, g := range q.groups[msg.Topic] {
		g.partitions[p].push(msg)
	}
	return nil
}

func (q *InMemoryQueue) Register(ctx context.Context, topic, group string) error {
	_, err := q.group(topic, group)
	return err
}

func (q *InMemoryQueue) group(topic, group string) (*memoryGroup, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	byGroup, ok := q.groups[topic]
	if !ok {
		byGroup = make(map[string]*memoryGroup)
		q.groups[topic] = byGroup
	}
	g, ok := byGroup[group]
	if !ok {
		g = &memoryGroup{partitions: make([]*memoryPartition, q.cfg.Partitions)}
		for i := range g.partitions {
			g.partitions[i] = &memoryPartition{notify: make(chan struct{}, 1)}
		}
		byGroup[group] = g
	}
	return g, nil
}

func (q *InMemoryQueue) Consume(ctx context.Context, topic, group string, h Handler) error {
	g, err := q.group(topic, group)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if g.consuming {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrGroupBusy, topic, group)
	}
	g.consuming = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		g.consuming = false
		q.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	runPartitions(ctx, len(g.partitions), func(ctx context.Context, i int) {
		part := g.partitions[i]
		for {
			msg, ok := part.peek()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-part.notify:
					continue
				}
			}
			if !deliver(ctx, q.cfg, group, h, msg) {
				return
			}
			part.pop()
		}
	})
	return nil
}

// Len returns the number of messages not yet handled by group.
func (q *InMemoryQueue) Len(topic, group string) int {
	q.mu.Lock()
	g, ok := q.groups[topic][group]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	n := 0
	for _, p := range g.partitions {
		p.mu.Lock()
		n += len(p.pending)
		p.mu.Unlock()
	}
	return n
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

func (p *memoryPartition) push(msg Message) {
	p.mu.Lock()
	p.pending = append(p.pending, msg)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *memoryPartition) peek() (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return Message{}, false
	}
	return p.pending[0], true
}

func (p *memoryPartition) pop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[0] = Message{}
	p.pending = p.pending[1:]
}
