package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with work-queue semantics, used by
// tests and single-binary runs. Subscribers sharing a queue name form one
// consumer group; a delivery goes to exactly one member. Subscribers with an
// empty queue name each receive their own copy. Nak schedules a redelivery
// to the same group after a short delay.
type MemoryBroker struct {
	mu             sync.RWMutex
	groups         map[string][]*memGroup // keyed by subject
	closed         bool
	wg             sync.WaitGroup
	redeliverDelay time.Duration
}

type memHandler struct {
	id int
	fn Handler
}

type memGroup struct {
	queue    string
	mu       sync.Mutex
	handlers []memHandler
	nextID   int
	next     int
}

func (g *memGroup) add(h Handler) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	g.handlers = append(g.handlers, memHandler{id: g.nextID, fn: h})
	return g.nextID
}

func (g *memGroup) remove(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, h := range g.handlers {
		if h.id == id {
			g.handlers = append(g.handlers[:i], g.handlers[i+1:]...)
			return
		}
	}
}

func (g *memGroup) pick() Handler {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.handlers) == 0 {
		return nil
	}
	h := g.handlers[g.next%len(g.handlers)].fn
	g.next++
	return h
}

// NewMemory creates an empty in-process broker.
func NewMemory() *MemoryBroker {
	return &MemoryBroker{
		groups:         make(map[string][]*memGroup),
		redeliverDelay: 10 * time.Millisecond,
	}
}

// Publish dispatches data to every group subscribed on subject.
func (b *MemoryBroker) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker: closed")
	}
	groups := b.groups[subject]
	b.mu.RUnlock()

	for _, g := range groups {
		b.dispatch(subject, data, g)
	}
	return nil
}

func (b *MemoryBroker) dispatch(subject string, data []byte, g *memGroup) {
	h := g.pick()
	if h == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		h(&memDelivery{broker: b, subject: subject, data: data, group: g})
	}()
}

// Subscribe binds h to subject within the named queue group.
func (b *MemoryBroker) Subscribe(subject, queue string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broker: closed")
	}

	var group *memGroup
	if queue != "" {
		for _, g := range b.groups[subject] {
			if g.queue == queue {
				group = g
				break
			}
		}
	}
	if group == nil {
		group = &memGroup{queue: queue}
		b.groups[subject] = append(b.groups[subject], group)
	}

	id := group.add(h)
	return &memSubscription{group: group, id: id}, nil
}

// Connected always reports true while the broker is open.
func (b *MemoryBroker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops accepting publishes and waits for in-flight handlers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.groups = make(map[string][]*memGroup)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

type memSubscription struct {
	group *memGroup
	id    int
}

func (s *memSubscription) Unsubscribe() error {
	s.group.remove(s.id)
	return nil
}

type memDelivery struct {
	broker  *MemoryBroker
	subject string
	data    []byte
	group   *memGroup
	once    sync.Once
}

func (d *memDelivery) Subject() string { return d.subject }

func (d *memDelivery) Data() []byte { return d.data }

func (d *memDelivery) Ack() {
	d.once.Do(func() {})
}

func (d *memDelivery) Nak() {
	d.once.Do(func() {
		d.broker.mu.RLock()
		closed := d.broker.closed
		d.broker.mu.RUnlock()
		if closed {
			return
		}
		d.broker.wg.Add(1)
		go func() {
			defer d.broker.wg.Done()
			time.Sleep(d.broker.redeliverDelay)
			d.broker.mu.RLock()
			closed := d.broker.closed
			d.broker.mu.RUnlock()
			if closed {
				return
			}
			d.broker.dispatch(d.subject, d.data, d.group)
		}()
	})
}
