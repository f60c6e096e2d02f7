package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient stands in for a paho client; only the calls made by MQTT are
// implemented.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	open         bool
	publishErr   error
	published    []Message
	handlers     map[string]mqtt.MessageHandler
	subscribes   map[string]int
	unsubscribed []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		open:       true,
		handlers:   make(map[string]mqtt.MessageHandler),
		subscribes: make(map[string]int),
	}
}

func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return doneToken{err: c.publishErr}
	}
	c.published = append(c.published, Message{Topic: topic, Payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	c.subscribes[topic]++
	return doneToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	handler(c, fakeMessage{topic: topic, payload: payload})
}

func newTestMQTT(t *testing.T) (*MQTT, *fakeClient) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	client := newFakeClient()
	m := newMQTT(1, logger)
	m.client = client
	t.Cleanup(func() { m.Close() })
	return m, client
}

func TestMQTT_ClientOptions(t *testing.T) {
	m, _ := newTestMQTT(t)

	o := m.clientOptions("tcp://localhost:1883", "busfs-test", time.Second)
	assert.True(t, o.Order, "messages must be delivered in publish order")
	assert.True(t, o.AutoReconnect)
	assert.Equal(t, "busfs-test", o.ClientID)
	assert.Equal(t, time.Second, o.ConnectTimeout)
	assert.NotNil(t, o.OnConnect)
	assert.NotNil(t, o.OnConnectionLost)
}

func TestMQTT_PublishWhileReconnecting(t *testing.T) {
	m, client := newTestMQTT(t)
	client.open = false

	require.NoError(t, m.Publish(context.Background(), "/file", []byte("x")))
	assert.Equal(t, []Message{{Topic: "/file", Payload: []byte("x")}}, client.published,
		"publish is handed to the client for queueing")
}

func TestMQTT_PublishTokenError(t *testing.T) {
	m, client := newTestMQTT(t)
	client.publishErr = mqtt.ErrNotConnected

	err := m.Publish(context.Background(), "/file", []byte("x"))
	assert.ErrorIs(t, err, mqtt.ErrNotConnected)
}

func TestMQTT_PublishAfterClose(t *testing.T) {
	m, client := newTestMQTT(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Publish(context.Background(), "/file", []byte("x")), ErrClosed)
	assert.Empty(t, client.published)

	_, err := m.Subscribe(context.Background(), "/file")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMQTT_ResubscribesOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, client := newTestMQTT(t)

	msgs, err := m.Subscribe(ctx, "/file")
	require.NoError(t, err)
	client.deliver("/file", []byte("before"))
	assert.Equal(t, "before", string(receive(t, msgs).Payload))

	m.onConnect(client)
	assert.Equal(t, 2, client.subscribes["/file"])

	client.deliver("/file", []byte("after"))
	assert.Equal(t, "after", string(receive(t, msgs).Payload))
}

func TestMQTT_SubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, client := newTestMQTT(t)

	msgs, err := m.Subscribe(ctx, "/file/status")
	require.NoError(t, err)
	cancel()
	assertClosed(t, msgs)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.unsubscribed) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"/file/status"}, client.unsubscribed)

	m.onConnect(client)
	assert.Equal(t, 1, client.subscribes["/file/status"], "ended subscriptions are not restored")
}
