package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var got atomic.Int32
	_, err := b.Subscribe("support.test", "workers", func(d Delivery) {
		if string(d.Data()) != "payload" {
			t.Errorf("data = %q", d.Data())
		}
		if d.Subject() != "support.test" {
			t.Errorf("subject = %q", d.Subject())
		}
		got.Add(1)
		d.Ack()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "support.test", []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return got.Load() == 1 }, "delivery never arrived")
}

func TestMemoryQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var total atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe("support.work", "workers", func(d Delivery) {
			total.Add(1)
			d.Ack()
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		if err := b.Publish(context.Background(), "support.work", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	waitFor(t, func() bool { return total.Load() == 10 }, "work queue lost deliveries")
	time.Sleep(20 * time.Millisecond)
	if total.Load() != 10 {
		t.Errorf("queue group delivered %d copies of 10 messages", total.Load())
	}
}

func TestMemoryBroadcastWithoutQueue(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var a, c atomic.Int32
	b.Subscribe("support.fan", "", func(d Delivery) { a.Add(1); d.Ack() })
	b.Subscribe("support.fan", "", func(d Delivery) { c.Add(1); d.Ack() })

	b.Publish(context.Background(), "support.fan", []byte("x"))
	waitFor(t, func() bool { return a.Load() == 1 && c.Load() == 1 },
		"both bare subscribers should receive a copy")
}

func TestMemoryNakRedelivers(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	b.Subscribe("support.retry", "workers", func(d Delivery) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			d.Nak()
			return
		}
		d.Ack()
		close(done)
	})

	b.Publish(context.Background(), "support.retry", []byte("x"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered after Nak")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestMemoryAckStopsRedelivery(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var got atomic.Int32
	b.Subscribe("support.once", "workers", func(d Delivery) {
		got.Add(1)
		d.Ack()
		d.Nak() // second settlement must be a no-op
	})

	b.Publish(context.Background(), "support.once", []byte("x"))
	waitFor(t, func() bool { return got.Load() == 1 }, "delivery never arrived")
	time.Sleep(50 * time.Millisecond)
	if got.Load() != 1 {
		t.Errorf("acked message redelivered, got %d deliveries", got.Load())
	}
}

func TestMemoryUnsubscribe(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var got atomic.Int32
	sub, _ := b.Subscribe("support.gone", "workers", func(d Delivery) {
		got.Add(1)
		d.Ack()
	})
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	b.Publish(context.Background(), "support.gone", []byte("x"))
	time.Sleep(30 * time.Millisecond)
	if got.Load() != 0 {
		t.Errorf("unsubscribed handler received %d deliveries", got.Load())
	}
}

func TestMemoryClosedRejectsPublish(t *testing.T) {
	b := NewMemory()
	b.Close()

	if err := b.Publish(context.Background(), "support.x", []byte("x")); err == nil {
		t.Error("publish after Close must fail")
	}
	if _, err := b.Subscribe("support.x", "q", func(Delivery) {}); err == nil {
		t.Error("subscribe after Close must fail")
	}
	if b.Connected() {
		t.Error("closed broker reports connected")
	}
}
