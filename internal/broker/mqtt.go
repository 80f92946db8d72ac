package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	opTimeout      = 5 * time.Second
	qosAtLeastOnce = 1
)

// MQTTBroker implements Broker over an MQTT broker. Subjects map to topics
// ("support.intent_analyzer" → "support/intent_analyzer"); work-queue
// semantics come from shared subscriptions ("$share/<queue>/<topic>") and
// QoS 1 gives at-least-once delivery. Acks are manual: auto-ack is disabled
// on the client and the delivery's Ack releases the inflight slot. MQTT has
// no native nak, so Nak republishes the message to its own topic and then
// acks the original; a failed requeue leaves the original unacked so the
// broker redelivers it.
type MQTTBroker struct {
	host     string
	port     int
	clientID string
	username string
	password string
	logger   *slog.Logger

	client        Client
	clientFactory func(opts *mqtt.ClientOptions) Client

	mu      sync.Mutex
	subs    []string // topics to unsubscribe on Close
	closing bool
	wg      sync.WaitGroup
}

// NewMQTT creates an MQTT-backed broker. Connect must be called before use.
func NewMQTT(host string, port int, username, password string, logger *slog.Logger) *MQTTBroker {
	return &MQTTBroker{
		host:     host,
		port:     port,
		clientID: fmt.Sprintf("supportmesh-%d", time.Now().UnixNano()),
		username: username,
		password: password,
		logger:   logger.With("component", "broker"),
		clientFactory: func(opts *mqtt.ClientOptions) Client {
			return &pahoClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewMQTTWithClient creates an MQTT broker with a custom client factory
// (for testing).
func NewMQTTWithClient(host string, port int, username, password string, logger *slog.Logger, factory func(*mqtt.ClientOptions) Client) *MQTTBroker {
	b := NewMQTT(host, port, username, password, logger)
	b.clientFactory = factory
	return b
}

// Connect dials the MQTT broker and blocks until the session is up.
func (b *MQTTBroker) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", b.host, b.port))
	opts.SetClientID(b.clientID)
	if b.username != "" {
		opts.SetUsername(b.username)
		opts.SetPassword(b.password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetAutoAckDisabled(true)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = b.clientFactory(opts)

	b.logger.Info("connecting to mqtt broker", "host", b.host, "port", b.port)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("broker: connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}
	_ = ctx
	return nil
}

// Publish sends data to subject with at-least-once semantics.
func (b *MQTTBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if b.client == nil || !b.client.IsConnected() {
		return fmt.Errorf("broker: not connected")
	}
	token := b.client.Publish(topicFor(subject), qosAtLeastOnce, false, data)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("broker: publish timeout on %s", subject)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", subject, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

// Subscribe binds h to subject as a member of the named work queue.
func (b *MQTTBroker) Subscribe(subject, queue string, h Handler) (Subscription, error) {
	if b.client == nil {
		return nil, fmt.Errorf("broker: not connected")
	}
	topic := topicFor(subject)
	shared := topic
	if queue != "" {
		shared = "$share/" + queue + "/" + topic
	}

	cb := func(_ mqtt.Client, msg mqtt.Message) {
		if !b.beginDelivery() {
			// Closing; leave the packet unacked so the broker redelivers it
			// on the next session.
			return
		}
		defer b.wg.Done()
		h(&mqttDelivery{broker: b, msg: msg})
	}

	token := b.client.Subscribe(shared, qosAtLeastOnce, cb)
	if !token.WaitTimeout(opTimeout) {
		return nil, fmt.Errorf("broker: subscribe timeout on %s", subject)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("broker: subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, shared)
	b.mu.Unlock()

	b.logger.Info("subscribed", "subject", subject, "queue", queue)
	return &mqttSubscription{broker: b, topic: shared}, nil
}

// beginDelivery registers one in-flight handler invocation. Registration
// and the closing check share a lock, so every invocation is either counted
// before Close's drain wait starts or refused.
func (b *MQTTBroker) beginDelivery() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.wg.Add(1)
	return true
}

// Connected reports whether the MQTT session is up.
func (b *MQTTBroker) Connected() bool {
	return b.client != nil && b.client.IsConnected()
}

// Close unsubscribes everything, waits for in-flight handlers, and drops
// the connection.
func (b *MQTTBroker) Close() error {
	if b.client == nil {
		return nil
	}
	b.mu.Lock()
	b.closing = true
	topics := b.subs
	b.subs = nil
	b.mu.Unlock()

	if len(topics) > 0 && b.client.IsConnected() {
		b.client.Unsubscribe(topics...).WaitTimeout(opTimeout)
	}
	b.wg.Wait()
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.logger.Info("broker closed")
	return nil
}

type mqttSubscription struct {
	broker *MQTTBroker
	topic  string
}

func (s *mqttSubscription) Unsubscribe() error {
	token := s.broker.client.Unsubscribe(s.topic)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("broker: unsubscribe timeout on %s", s.topic)
	}
	return token.Error()
}

type mqttDelivery struct {
	broker *MQTTBroker
	msg    mqtt.Message
	once   sync.Once
}

func (d *mqttDelivery) Subject() string { return subjectFor(d.msg.Topic()) }

func (d *mqttDelivery) Data() []byte { return d.msg.Payload() }

func (d *mqttDelivery) Ack() {
	d.once.Do(func() { d.msg.Ack() })
}

func (d *mqttDelivery) Nak() {
	d.once.Do(func() {
		token := d.broker.client.Publish(d.msg.Topic(), qosAtLeastOnce, false, d.msg.Payload())
		if !token.WaitTimeout(opTimeout) || token.Error() != nil {
			// Leave the original unacked; the broker redelivers it when the
			// session resumes.
			d.broker.logger.Error("nak republish failed, delivery left unacked",
				"topic", d.msg.Topic(), "error", token.Error())
			return
		}
		// The original copy is acked only after the requeue publish, so the
		// message is never lost between the two.
		d.msg.Ack()
	})
}

func topicFor(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func subjectFor(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}
