package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken completes immediately.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type publishRecord struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records operations and lets tests drive subscriptions.
type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	published  []publishRecord
	publishErr error
	handlers   map[string]mqtt.MessageHandler
	unsubbed   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.published = append(c.published, publishRecord{topic, qos, payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = cb
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	c.unsubbed = append(c.unsubbed, topics...)
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) publishes() []publishRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]publishRecord, len(c.published))
	copy(out, c.published)
	return out
}

// fakeMessage implements mqtt.Message for driving subscription callbacks.
type fakeMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked = true }

func newFakeBroker(t *testing.T) (*MQTTBroker, *fakeClient) {
	t.Helper()
	fc := newFakeClient()
	b := NewMQTTWithClient("localhost", 1883, "", "", slog.Default(),
		func(*mqtt.ClientOptions) Client { return fc })
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b, fc
}

func TestMQTTTopicMapping(t *testing.T) {
	if got := topicFor("support.intent_analyzer"); got != "support/intent_analyzer" {
		t.Errorf("topicFor = %q", got)
	}
	if got := subjectFor("support/intent_analyzer"); got != "support.intent_analyzer" {
		t.Errorf("subjectFor = %q", got)
	}
}

func TestMQTTPublishQoS(t *testing.T) {
	b, fc := newFakeBroker(t)
	defer b.Close()

	if err := b.Publish(context.Background(), "support.test", []byte("hi")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	pubs := fc.publishes()
	if len(pubs) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pubs))
	}
	if pubs[0].topic != "support/test" {
		t.Errorf("topic = %q", pubs[0].topic)
	}
	if pubs[0].qos != 1 {
		t.Errorf("qos = %d, want 1 for at-least-once", pubs[0].qos)
	}
}

func TestMQTTSharedSubscription(t *testing.T) {
	b, fc := newFakeBroker(t)
	defer b.Close()

	_, err := b.Subscribe("support.sentiment_analyzer", "sentiment_analyzer", func(d Delivery) { d.Ack() })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fc.mu.Lock()
	_, ok := fc.handlers["$share/sentiment_analyzer/support/sentiment_analyzer"]
	fc.mu.Unlock()
	if !ok {
		t.Error("work-queue subscription must use a shared topic filter")
	}
}

func TestMQTTBareSubscription(t *testing.T) {
	b, fc := newFakeBroker(t)
	defer b.Close()

	if _, err := b.Subscribe("support.gateway.response", "", func(d Delivery) { d.Ack() }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fc.mu.Lock()
	_, ok := fc.handlers["support/gateway/response"]
	fc.mu.Unlock()
	if !ok {
		t.Error("empty queue name must subscribe on the plain topic")
	}
}

func TestMQTTDeliveryAck(t *testing.T) {
	b, fc := newFakeBroker(t)
	defer b.Close()

	var got Delivery
	done := make(chan struct{})
	b.Subscribe("support.test", "q", func(d Delivery) {
		got = d
		close(done)
	})

	msg := &fakeMessage{topic: "support/test", payload: []byte("data")}
	fc.mu.Lock()
	cb := fc.handlers["$share/q/support/test"]
	fc.mu.Unlock()
	go cb(nil, msg)
	<-done

	if got.Subject() != "support.test" {
		t.Errorf("subject = %q", got.Subject())
	}
	got.Ack()
	if !msg.acked {
		t.Error("Ack must settle the MQTT message")
	}
	if len(fc.publishes()) != 0 {
		t.Error("Ack must not republish")
	}
}

func TestMQTTNakRepublishesThenAcks(t *testing.T) {
	b, fc := newFakeBroker(t)
	defer b.Close()

	var got Delivery
	done := make(chan struct{})
	b.Subscribe("support.test", "q", func(d Delivery) {
		got = d
		close(done)
	})

	msg := &fakeMessage{topic: "support/test", payload: []byte("data")}
	fc.mu.Lock()
	cb := fc.handlers["$share/q/support/test"]
	fc.mu.Unlock()
	go cb(nil, msg)
	<-done

	got.Nak()

	pubs := fc.publishes()
	if len(pubs) != 1 || pubs[0].topic != "support/test" || string(pubs[0].payload) != "data" {
		t.Fatalf("Nak must republish the original payload to its own topic, got %+v", pubs)
	}
	if !msg.acked {
		t.Error("Nak must ack the original after the requeue publish")
	}

	// Settlement is one-shot.
	got.Ack()
	if len(fc.publishes()) != 1 {
		t.Error("second settlement republished")
	}
}

func TestMQTTNakRepublishFailureLeavesUnacked(t *testing.T) {
	b, fc := newFakeBroker(t)
	defer b.Close()

	var got Delivery
	done := make(chan struct{})
	b.Subscribe("support.test", "q", func(d Delivery) {
		got = d
		close(done)
	})

	msg := &fakeMessage{topic: "support/test", payload: []byte("data")}
	fc.mu.Lock()
	cb := fc.handlers["$share/q/support/test"]
	fc.mu.Unlock()
	go cb(nil, msg)
	<-done

	fc.mu.Lock()
	fc.publishErr = errors.New("session down")
	fc.mu.Unlock()

	got.Nak()
	if msg.acked {
		t.Error("Nak acked the original after a failed requeue publish, delivery lost")
	}
}

func TestMQTTCloseRefusesLateDeliveries(t *testing.T) {
	b, fc := newFakeBroker(t)

	handled := make(chan struct{}, 1)
	b.Subscribe("support.test", "q", func(d Delivery) {
		handled <- struct{}{}
		d.Ack()
	})
	fc.mu.Lock()
	cb := fc.handlers["$share/q/support/test"]
	fc.mu.Unlock()

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	msg := &fakeMessage{topic: "support/test", payload: []byte("data")}
	cb(nil, msg)

	select {
	case <-handled:
		t.Error("handler ran after Close")
	default:
	}
	if msg.acked {
		t.Error("late delivery was acked, it must stay unacked for redelivery")
	}
}

func TestMQTTCloseUnsubscribes(t *testing.T) {
	b, fc := newFakeBroker(t)

	b.Subscribe("support.a", "a", func(d Delivery) { d.Ack() })
	b.Subscribe("support.b", "", func(d Delivery) { d.Ack() })

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.unsubbed) != 2 {
		t.Errorf("unsubscribed %d topics, want 2", len(fc.unsubbed))
	}
	if fc.connected {
		t.Error("Close must disconnect the client")
	}
}

func TestMQTTPublishWhenDisconnected(t *testing.T) {
	fc := newFakeClient()
	b := NewMQTTWithClient("localhost", 1883, "", "", slog.Default(),
		func(*mqtt.ClientOptions) Client { return fc })

	if err := b.Publish(context.Background(), "support.test", []byte("x")); err == nil {
		t.Error("publish without a connection must fail")
	}
}
