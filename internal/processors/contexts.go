package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshline/supportmesh/internal/downstream"
	"github.com/meshline/supportmesh/internal/mesh"
)

// CustomerDirectory is the slice of the downstream surface the retriever
// needs. *downstream.Client satisfies it; tests plug in fakes.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, email string) (*mesh.Customer, error)
	GetOrders(ctx context.Context, email string) ([]mesh.Order, error)
	TrackingStatus(ctx context.Context, trackingNumber string) (string, error)
}

// SessionCache is the retriever's view of the context store.
type SessionCache interface {
	Get(ctx context.Context, key string) (map[string]any, bool, error)
	Set(ctx context.Context, key string, value map[string]any, ttl time.Duration) error
}

// ContextRetriever looks up the customer profile and recent orders for the
// message's email, caching per customer so repeat messages in a session skip
// the downstream round trips. Lookup failures come back as context errors;
// the escalation router recovers those by degrading instead of falling back.
type ContextRetriever struct {
	dir      CustomerDirectory
	cache    SessionCache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewContextRetriever builds the retriever. cache may be nil, in which case
// every message pays the downstream round trips.
func NewContextRetriever(dir CustomerDirectory, cache SessionCache, ttl time.Duration, logger *slog.Logger) *ContextRetriever {
	return &ContextRetriever{
		dir:      dir,
		cache:    cache,
		cacheTTL: ttl,
		logger:   logger.With("component", "context_retriever"),
	}
}

func (r *ContextRetriever) Stage() mesh.Stage { return mesh.StageContextRetriever }

func (r *ContextRetriever) Process(ctx context.Context, p *mesh.Payload) (mesh.Enrichment, error) {
	email := p.CustomerEmail
	if email == "" {
		return nil, mesh.Errorf(mesh.KindContext, "no customer email on message")
	}

	key := "customer:" + email
	if r.cache != nil {
		if raw, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			if cached, err := contextFromMap(raw); err == nil {
				r.logger.Debug("context cache hit", "email", email)
				return cached, nil
			}
		}
	}

	customer, err := r.dir.GetCustomer(ctx, email)
	if err != nil {
		if errors.Is(err, downstream.ErrNotFound) {
			// Unknown customer is still a usable context; orders are moot.
			return &mesh.Context{Degraded: true}, nil
		}
		return nil, mesh.NewStageError(mesh.KindContext, fmt.Errorf("customer lookup for %s: %w", email, err))
	}

	orders, err := r.dir.GetOrders(ctx, email)
	if err != nil && !errors.Is(err, downstream.ErrNotFound) {
		return nil, mesh.NewStageError(mesh.KindContext, fmt.Errorf("order lookup for %s: %w", email, err))
	}
	r.refreshTracking(ctx, orders)

	result := &mesh.Context{Customer: customer, Orders: orders}
	if r.cache != nil {
		if raw, err := contextToMap(result); err == nil {
			if err := r.cache.Set(ctx, key, raw, r.cacheTTL); err != nil {
				r.logger.Warn("context cache write failed", "email", email, "error", err)
			}
		}
	}
	return result, nil
}

// refreshTracking replaces the stored status of in-flight orders with the
// carrier's live one. Best effort: a failed lookup keeps the stored status.
func (r *ContextRetriever) refreshTracking(ctx context.Context, orders []mesh.Order) {
	for i := range orders {
		o := &orders[i]
		if o.TrackingNumber == "" || o.Status == "delivered" || o.Status == "cancelled" {
			continue
		}
		status, err := r.dir.TrackingStatus(ctx, o.TrackingNumber)
		if err != nil {
			r.logger.Debug("tracking lookup failed", "order", o.OrderID, "error", err)
			continue
		}
		if status != "" {
			o.Status = status
		}
	}
}

func contextToMap(c *mesh.Context) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func contextFromMap(m map[string]any) (*mesh.Context, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var c mesh.Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
