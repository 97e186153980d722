package hub

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

var (
	ErrQueueFull   = errors.New("subscriber queue full")
	ErrQueueClosed = errors.New("subscriber queue closed")
)

// MessageChannel is a bounded queue shared by one or more consumers. Items
// leave in the order defined by less; a less that compares sequence numbers
// gives FIFO.
type MessageChannel[T any] struct {
	mu         sync.Mutex
	items      orderedItems[T]
	bufferSize int
	ready      chan struct{}
	done       chan struct{}
	closed     bool
}

func NewMessageChannel[T any](bufferSize int, less func(a, b T) bool) *MessageChannel[T] {
	return &MessageChannel[T]{
		items:      orderedItems[T]{less: less},
		bufferSize: bufferSize,
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// TrySend enqueues message without blocking.
func (mc *MessageChannel[T]) TrySend(message T) error {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return ErrQueueClosed
	}
	if mc.items.Len() >= mc.bufferSize {
		mc.mu.Unlock()
		return ErrQueueFull
	}
	heap.Push(&mc.items, message)
	mc.mu.Unlock()

	mc.signal()
	return nil
}

// Receive blocks until a message is available, ctx is done, or the channel
// is closed.
func (mc *MessageChannel[T]) Receive(ctx context.Context) (T, error) {
	for {
		mc.mu.Lock()
		if mc.items.Len() > 0 {
			message := heap.Pop(&mc.items).(T)
			remaining := mc.items.Len()
			mc.mu.Unlock()

			if remaining > 0 {
				mc.signal()
			}
			return message, nil
		}
		closed := mc.closed
		mc.mu.Unlock()

		var zero T
		if closed {
			return zero, ErrQueueClosed
		}

		select {
		case <-mc.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-mc.done:
		}
	}
}

// Drain removes and returns every queued message.
func (mc *MessageChannel[T]) Drain() []T {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	drained := make([]T, 0, mc.items.Len())
	for mc.items.Len() > 0 {
		drained = append(drained, heap.Pop(&mc.items).(T))
	}
	return drained
}

func (mc *MessageChannel[T]) Close() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.closed {
		mc.closed = true
		close(mc.done)
	}
}

func (mc *MessageChannel[T]) IsClosed() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.closed
}

func (mc *MessageChannel[T]) BufferSize() int {
	return mc.bufferSize
}

func (mc *MessageChannel[T]) QueueLength() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.items.Len()
}

func (mc *MessageChannel[T]) signal() {
	select {
	case mc.ready <- struct{}{}:
	default:
	}
}

type orderedItems[T any] struct {
	values []T
	less   func(a, b T) bool
}

func (o orderedItems[T]) Len() int           { return len(o.values) }
func (o orderedItems[T]) Less(i, j int) bool { return o.less(o.values[i], o.values[j]) }
func (o orderedItems[T]) Swap(i, j int)      { o.values[i], o.values[j] = o.values[j], o.values[i] }

func (o *orderedItems[T]) Push(x any) {
	o.values = append(o.values, x.(T))
}

func (o *orderedItems[T]) Pop() any {
	last := len(o.values) - 1
	item := o.values[last]
	var zero T
	o.values[last] = zero
	o.values = o.values[:last]
	return item
}
