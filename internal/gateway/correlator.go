// Package gateway is the client-facing edge of the mesh: it terminates HTTP
// and WebSocket requests, injects messages into the pipeline, and correlates
// final responses back to the waiting client.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshline/supportmesh/internal/broker"
	"github.com/meshline/supportmesh/internal/mesh"
)

// pendingHandle is one in-flight request waiting for its final response.
// The channel is buffered so delivery never blocks the broker callback.
type pendingHandle struct {
	ch      chan *mesh.FinalResponse
	connID  string // websocket connection, "" for plain HTTP
	created time.Time
}

// Correlator owns the gateway's single response subscription and the map of
// in-flight requests keyed by message id. Each handle is consumed at most
// once; late responses for unregistered ids are dropped.
type Correlator struct {
	broker broker.Broker
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingHandle
	sub     broker.Subscription

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewCorrelator builds a correlator on the given broker.
func NewCorrelator(b broker.Broker, logger *slog.Logger) *Correlator {
	return &Correlator{
		broker:  b,
		logger:  logger.With("component", "correlator"),
		pending: make(map[string]*pendingHandle),
	}
}

// Start subscribes to the gateway response subject.
func (c *Correlator) Start() error {
	sub, err := c.broker.Subscribe(mesh.GatewayResponseSubject, "", c.handle)
	if err != nil {
		return fmt.Errorf("gateway: subscribe responses: %w", err)
	}
	c.sub = sub
	c.logger.Info("correlator started", "subject", mesh.GatewayResponseSubject)
	return nil
}

// Stop releases the subscription and fails every waiting request.
func (c *Correlator) Stop() error {
	var err error
	if c.sub != nil {
		err = c.sub.Unsubscribe()
		c.sub = nil
	}
	c.mu.Lock()
	for id, h := range c.pending {
		close(h.ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return err
}

func (c *Correlator) handle(d broker.Delivery) {
	resp, err := mesh.DecodeResponse(d.Data())
	if err != nil {
		c.logger.Error("undecodable response", "error", err)
		d.Ack() // malformed, redelivery cannot help
		return
	}

	c.mu.Lock()
	h, ok := c.pending[resp.MessageID]
	if ok {
		delete(c.pending, resp.MessageID)
	}
	c.mu.Unlock()

	if !ok {
		// The waiter timed out or its connection went away.
		c.dropped.Add(1)
		c.logger.Debug("response for unknown request", "message_id", resp.MessageID)
		d.Ack()
		return
	}

	h.ch <- resp
	c.delivered.Add(1)
	d.Ack()
}

// Register creates a handle for messageID. connID ties the handle to a
// websocket connection; pass "" for HTTP requests.
func (c *Correlator) Register(messageID, connID string) <-chan *mesh.FinalResponse {
	h := &pendingHandle{
		ch:      make(chan *mesh.FinalResponse, 1),
		connID:  connID,
		created: time.Now(),
	}
	c.mu.Lock()
	c.pending[messageID] = h
	c.mu.Unlock()
	return h.ch
}

// Unregister drops the handle for messageID, if still present.
func (c *Correlator) Unregister(messageID string) {
	c.mu.Lock()
	delete(c.pending, messageID)
	c.mu.Unlock()
}

// Await blocks until the response for messageID arrives or ctx expires. The
// handle is consumed either way.
func (c *Correlator) Await(ctx context.Context, messageID string, ch <-chan *mesh.FinalResponse) (*mesh.FinalResponse, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("gateway: shutting down")
		}
		return resp, nil
	case <-ctx.Done():
		c.Unregister(messageID)
		return nil, ctx.Err()
	}
}

// PurgeConnection drops every handle registered by the given websocket
// connection and reports how many were dropped.
func (c *Correlator) PurgeConnection(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, h := range c.pending {
		if h.connID == connID && h.connID != "" {
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// SweepOlderThan drops handles older than age. The janitor calls this to
// catch waiters that leaked without unregistering.
func (c *Correlator) SweepOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, h := range c.pending {
		if h.created.Before(cutoff) {
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// PendingCount reports the number of in-flight requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats reports delivered and dropped response counts.
func (c *Correlator) Stats() (delivered, dropped int64) {
	return c.delivered.Load(), c.dropped.Load()
}
