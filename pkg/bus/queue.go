package bus

import (
	"context"
	"sync"
)

// queue decouples a producer that must not block from a consumer channel.
type queue struct {
	mu     sync.Mutex
	items  []Message
	signal chan struct{}
	out    chan Message
}

func newQueue() *queue {
	return &queue{
		signal: make(chan struct{}, 1),
		out:    make(chan Message),
	}
}

func (q *queue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pump forwards queued messages to out until ctx or stop is done, then closes out.
func (q *queue) pump(ctx context.Context, stop <-chan struct{}) {
	defer close(q.out)
	for {
		q.mu.Lock()
		var (
			msg Message
			ok  bool
		)
		if len(q.items) > 0 {
			msg, ok = q.items[0], true
			q.items[0] = Message{}
			q.items = q.items[1:]
		}
		q.mu.Unlock()

		if !ok {
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}

		select {
		case q.out <- msg:
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}
