package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meshline/supportmesh/internal/broker"
	"github.com/meshline/supportmesh/internal/config"
	"github.com/meshline/supportmesh/internal/mesh"
)

const defaultPipeline = "full_support"

// staleHandleAge is how old a pending handle must be before the janitor
// reaps it. Well past any request timeout.
const staleHandleAge = 5 * time.Minute

// Server terminates client HTTP and WebSocket traffic and feeds the mesh.
type Server struct {
	port           int
	requestTimeout time.Duration

	broker     broker.Broker
	correlator *Correlator
	catalog    *config.Catalog
	logger     *slog.Logger

	httpServer *http.Server
	cron       *cron.Cron
}

// NewServer builds the gateway server.
func NewServer(cfg config.ServerConfig, b broker.Broker, cat *config.Catalog, logger *slog.Logger) *Server {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		port:           cfg.Port,
		requestTimeout: timeout,
		broker:         b,
		correlator:     NewCorrelator(b, logger),
		catalog:        cat,
		logger:         logger.With("component", "gateway"),
	}
}

// Start runs the server until ctx is cancelled, then shuts it down.
func (s *Server) Start(ctx context.Context) error {
	if err := s.correlator.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pipelines", s.handlePipelines)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.requestTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.startJanitor()

	s.logger.Info("gateway starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gateway")
		if s.cron != nil {
			s.cron.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		if cerr := s.correlator.Stop(); err == nil {
			err = cerr
		}
		return err
	case err := <-errCh:
		if s.cron != nil {
			s.cron.Stop()
		}
		s.correlator.Stop()
		return err
	}
}

// startJanitor schedules the stale-handle sweep and a stats heartbeat.
func (s *Server) startJanitor() {
	s.cron = cron.New()
	s.cron.AddFunc("@every 1m", func() {
		if n := s.correlator.SweepOlderThan(staleHandleAge); n > 0 {
			s.logger.Warn("reaped stale request handles", "count", n)
		}
	})
	s.cron.AddFunc("@every 5m", func() {
		delivered, dropped := s.correlator.Stats()
		s.logger.Info("gateway stats",
			"pending", s.correlator.PendingCount(),
			"delivered", delivered,
			"dropped", dropped)
	})
	s.cron.Start()
}

// chatRequest is the POST /chat body.
type chatRequest struct {
	Message   string `json:"message"`
	Email     string `json:"customer_email"`
	SessionID string `json:"session_id,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
}

// chatResponse is the POST /chat reply.
type chatResponse struct {
	MessageID      string         `json:"message_id"`
	SessionID      string         `json:"session_id"`
	Response       string         `json:"response"`
	ProcessingTime float64        `json:"processing_time"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// processingTime pulls the pipeline duration the aggregator stamped into the
// envelope, in seconds.
func processingTime(resp *mesh.FinalResponse) float64 {
	v, _ := resp.Metadata["total_processing_time"].(float64)
	return v
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Message == "" || req.Email == "" {
		http.Error(w, "message and customer_email are required", http.StatusBadRequest)
		return
	}

	msg, err := s.inject(r.Context(), req, "")
	if err != nil {
		s.logger.Error("inject failed", "error", err)
		http.Error(w, "failed to accept request", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	ch := s.correlator.Register(msg.MessageID, "")
	if err := s.publish(ctx, msg); err != nil {
		s.correlator.Unregister(msg.MessageID)
		s.logger.Error("publish failed", "message_id", msg.MessageID, "error", err)
		http.Error(w, "failed to accept request", http.StatusServiceUnavailable)
		return
	}

	resp, err := s.correlator.Await(ctx, msg.MessageID, ch)
	if err != nil {
		s.logger.Warn("request timed out", "message_id", msg.MessageID)
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
		return
	}

	s.writeJSON(w, http.StatusOK, chatResponse{
		MessageID:      resp.MessageID,
		SessionID:      resp.SessionID,
		Response:       resp.Response,
		ProcessingTime: processingTime(resp),
		Metadata:       resp.Metadata,
	})
}

// inject builds the mesh message for a client request. connID is empty for
// HTTP; websocket requests carry their connection id so responses can be
// purged when the socket closes.
func (s *Server) inject(_ context.Context, req chatRequest, connID string) (*mesh.Message, error) {
	name := req.Pipeline
	if name == "" {
		name = defaultPipeline
	}
	route, ok := s.catalog.Route(name)
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = mesh.NewSessionID()
	}

	msg := mesh.NewMessage(sessionID, route, req.Message, req.Email)
	msg.Metadata[mesh.MetaResponseSubject] = mesh.GatewayResponseSubject
	if connID == "" {
		msg.Metadata[mesh.MetaAPIRequest] = true
	} else {
		msg.Metadata[mesh.MetaConnectionID] = connID
	}
	return msg, nil
}

// publish hands the message to the first stage of its route.
func (s *Server) publish(ctx context.Context, msg *mesh.Message) error {
	first := msg.Route.Current()
	if first == "" {
		return fmt.Errorf("empty route for message %s", msg.MessageID)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, first.Subject(), data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	code := http.StatusOK
	if !s.broker.Connected() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":           status,
		"broker_connected": s.broker.Connected(),
		"pending_requests": s.correlator.PendingCount(),
	})
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pipelines": s.catalog.Names()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
