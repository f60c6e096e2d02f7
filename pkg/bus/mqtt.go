package bus

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
}

// MQTT is a Transport backed by an MQTT broker.
type MQTT struct {
	client mqtt.Client
	qos    byte
	log    logrus.FieldLogger
	stop   chan struct{}

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	handler mqtt.MessageHandler
}

func newMQTT(qos byte, log logrus.FieldLogger) *MQTT {
	return &MQTT{
		qos:  qos,
		log:  log,
		stop: make(chan struct{}),
		subs: make(map[string]*subscription),
	}
}

// DialMQTT connects to the broker and blocks until the CONNACK arrives.
func DialMQTT(ctx context.Context, opts MQTTOptions, log logrus.FieldLogger) (*MQTT, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "busfs-" + uuid.New().String()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log = log.WithFields(logrus.Fields{"broker": opts.Broker, "client_id": clientID})

	m := newMQTT(opts.QoS, log)
	m.client = mqtt.NewClient(m.clientOptions(opts.Broker, clientID, timeout))
	if err := wait(ctx, m.client.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Broker, err)
	}
	return m, nil
}

// clientOptions keeps delivery ordered per subscription: chunks of a
// transfer must reach the receiver in the order they were published.
func (m *MQTT) clientOptions(broker, clientID string, timeout time.Duration) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.WithError(err).Warn("Connection to broker lost")
		}).
		SetOnConnectHandler(m.onConnect)
}

// onConnect restores subscriptions after a reconnect; clean sessions lose
// them on the broker side.
func (m *MQTT) onConnect(c mqtt.Client) {
	m.log.Info("Connected to broker")

	m.mu.Lock()
	subs := maps.Clone(m.subs)
	m.mu.Unlock()

	for topic, sub := range subs {
		tok := c.Subscribe(topic, m.qos, sub.handler)
		tok.Wait()
		if err := tok.Error(); err != nil {
			m.log.WithError(err).WithField("topic", topic).Warn("Failed to resubscribe")
			continue
		}
		m.log.WithField("topic", topic).Info("Resubscribed")
	}
}

// Publish waits for the client to accept the message. While the client is
// reconnecting paho queues QoS 1 and 2 messages and drops QoS 0 ones; a
// dropped chunk or ack is recovered by the sender's ack timeout.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-m.stop:
		return ErrClosed
	default:
	}
	if err := wait(ctx, m.client.Publish(topic, m.qos, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns once the broker has acknowledged the subscription, so a
// publish made afterwards by a peer cannot be missed.
func (m *MQTT) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	select {
	case <-m.stop:
		return nil, ErrClosed
	default:
	}

	q := newQueue()
	sub := &subscription{handler: func(_ mqtt.Client, msg mqtt.Message) {
		q.push(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	}}
	if err := wait(ctx, m.client.Subscribe(topic, m.qos, sub.handler)); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	m.mu.Lock()
	m.subs[topic] = sub
	m.mu.Unlock()
	m.log.WithField("topic", topic).Info("Subscribed")

	go func() {
		q.pump(ctx, m.stop)

		m.mu.Lock()
		owned := m.subs[topic] == sub
		if owned {
			delete(m.subs, topic)
		}
		m.mu.Unlock()
		if owned && m.client.IsConnectionOpen() {
			m.client.Unsubscribe(topic)
		}
	}()
	return q.out, nil
}

func (m *MQTT) Close() error {
	select {
	case <-m.stop:
		return nil
	default:
	}
	close(m.stop)
	m.client.Disconnect(250)
	return nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
