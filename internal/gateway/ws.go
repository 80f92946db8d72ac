package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/meshline/supportmesh/internal/mesh"
)

// WSRequest is the JSON structure clients send over the socket.
type WSRequest struct {
	Type      string `json:"type"` // "chat", "ping"
	Message   string `json:"message,omitempty"`
	Email     string `json:"customer_email,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WSResponse is the JSON structure sent back over the socket.
type WSResponse struct {
	Type           string         `json:"type"` // "connected", "pong", "message_sent", "chat_response", "error"
	RequestID      string         `json:"request_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Status         string         `json:"status,omitempty"`
	Response       string         `json:"response,omitempty"`
	ProcessingTime float64        `json:"processing_time,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// handleWS upgrades the connection and drives the socket protocol.
//
// Flow:
//  1. Accept the upgrade, assign a connection id, send "connected".
//  2. Read loop: wsjson.Read → dispatch by type.
//     - "ping" → pong immediately.
//     - "chat" → inject the message into the mesh, ack with "message_sent",
//     and deliver the final response asynchronously as "chat_response".
//     - unknown → error frame.
//  3. On disconnect, purge every handle this connection registered.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any Origin for dev convenience
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	connID := uuid.NewString()
	sessionID := mesh.NewSessionID()
	log := s.logger.With("conn_id", connID)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Writes happen from the read loop and the per-chat waiter goroutines;
	// serialize them.
	var writeMu sync.Mutex
	send := func(ctx context.Context, resp WSResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			log.Debug("ws write error", "error", err)
		}
	}

	send(r.Context(), WSResponse{Type: "connected", SessionID: sessionID})

	var waiters sync.WaitGroup
	defer func() {
		if n := s.correlator.PurgeConnection(connID); n > 0 {
			log.Info("purged pending requests", "count", n)
		}
		waiters.Wait()
		log.Info("websocket disconnected")
	}()

	for {
		var req WSRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			// Client disconnected or context cancelled, normal exit.
			log.Debug("ws read ended", "error", err)
			return
		}

		switch req.Type {
		case "ping":
			send(r.Context(), WSResponse{Type: "pong", RequestID: req.RequestID})

		case "chat":
			if req.Message == "" || req.Email == "" {
				send(r.Context(), WSResponse{
					Type:      "error",
					RequestID: req.RequestID,
					Error:     "message and email are required",
				})
				continue
			}
			if req.SessionID == "" {
				req.SessionID = sessionID
			}

			msg, err := s.inject(r.Context(), chatRequest{
				Message:   req.Message,
				Email:     req.Email,
				SessionID: req.SessionID,
				Pipeline:  req.Pipeline,
			}, connID)
			if err != nil {
				send(r.Context(), WSResponse{
					Type:      "error",
					RequestID: req.RequestID,
					Error:     err.Error(),
				})
				continue
			}

			ch := s.correlator.Register(msg.MessageID, connID)
			if err := s.publish(r.Context(), msg); err != nil {
				s.correlator.Unregister(msg.MessageID)
				log.Error("publish failed", "message_id", msg.MessageID, "error", err)
				send(r.Context(), WSResponse{
					Type:      "error",
					RequestID: req.RequestID,
					Error:     "failed to accept request",
				})
				continue
			}

			send(r.Context(), WSResponse{
				Type:      "message_sent",
				RequestID: req.RequestID,
				MessageID: msg.MessageID,
				SessionID: msg.SessionID,
				Status:    "processing",
			})

			// The socket stays responsive while the pipeline runs; the final
			// response comes back on its own frame.
			waiters.Add(1)
			go func(messageID, requestID string) {
				defer waiters.Done()
				ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
				defer cancel()

				resp, err := s.correlator.Await(ctx, messageID, ch)
				if err != nil {
					send(r.Context(), WSResponse{
						Type:      "error",
						RequestID: requestID,
						MessageID: messageID,
						Error:     "request timed out",
					})
					return
				}
				send(r.Context(), WSResponse{
					Type:           "chat_response",
					RequestID:      requestID,
					MessageID:      resp.MessageID,
					SessionID:      resp.SessionID,
					Response:       resp.Response,
					ProcessingTime: processingTime(resp),
					Metadata:       resp.Metadata,
				})
			}(msg.MessageID, req.RequestID)

		default:
			send(r.Context(), WSResponse{
				Type:      "error",
				RequestID: req.RequestID,
				Error:     "unknown message type: " + req.Type,
			})
		}
	}
}
