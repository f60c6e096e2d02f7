package bus

import (
	"context"
	"sync"
)

// Interceptor rewrites a message before delivery. Returning nil drops it,
// returning several messages duplicates it.
type Interceptor func(msg Message) []Message

// Memory is an in-process Transport. Every subscriber of a topic receives
// every message published to it after the subscription was made.
type Memory struct {
	mu          sync.RWMutex
	subs        map[string][]*queue
	interceptor Interceptor
	closed      bool
	stop        chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string][]*queue),
		stop: make(chan struct{}),
	}
}

// SetInterceptor installs a hook applied to every published message.
func (m *Memory) SetInterceptor(fn Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptor = fn
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	// Subscribers own their copy.
	data := make([]byte, len(payload))
	copy(data, payload)
	msgs := []Message{{Topic: topic, Payload: data}}
	if m.interceptor != nil {
		msgs = m.interceptor(msgs[0])
	}

	for _, msg := range msgs {
		for _, q := range m.subs[msg.Topic] {
			q.push(msg)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	q := newQueue()
	m.subs[topic] = append(m.subs[topic], q)
	go func() {
		q.pump(ctx, m.stop)
		m.unsubscribe(topic, q)
	}()
	return q.out, nil
}

func (m *Memory) unsubscribe(topic string, target *queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.subs[topic]
	for i, q := range qs {
		if q == target {
			m.subs[topic] = append(qs[:i], qs[i+1:]...)
			break
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)
	return nil
}
