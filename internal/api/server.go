// Package api exposes a node over HTTP: sending messages, forcing a sync,
// outbox statistics and the live websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sosmesh/internal/node"
	"github.com/sosmesh/internal/outbox"
	"github.com/sosmesh/internal/syncer"
	"github.com/sosmesh/internal/websocket"
)

const maxBodyBytes = 64 << 10

// Node is what the API drives.
type Node interface {
	SendSOS(ctx context.Context, payload json.RawMessage) (node.SendResult, error)
	SendChat(ctx context.Context, payload json.RawMessage) (node.SendResult, error)
	Sync(ctx context.Context) (syncer.Result, bool)
	OutboxStats(ctx context.Context) (outbox.Stats, error)
	Status(ctx context.Context) node.Status
}

type Server struct {
	mux    *http.ServeMux
	node   Node
	hub    *websocket.Hub
	signal *syncer.Signal
	logger *slog.Logger
	http   *http.Server
}

// New builds the server. hub and signal may be nil; the websocket routes
// and manual connectivity control are then unavailable.
func New(n Node, hub *websocket.Hub, signal *syncer.Signal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		mux:    http.NewServeMux(),
		node:   n,
		hub:    hub,
		signal: signal,
		logger: logger.With("component", "api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /sos", s.handleSOS)
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /sync", s.handleSync)
	s.mux.HandleFunc("POST /connectivity", s.handleConnectivity)
	s.mux.HandleFunc("GET /outbox/stats", s.handleOutboxStats)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /ws/stats", s.handleWebSocketStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api: shutdown: %w", err)
		}
		return nil
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SOSRequest is the body of POST /sos. Payload, when set, must be a JSON
// object and is sent as is; otherwise one is built from the other fields.
type SOSRequest struct {
	Text      string          `json:"text"`
	Name      string          `json:"name,omitempty"`
	Latitude  *float64        `json:"lat,omitempty"`
	Longitude *float64        `json:"lng,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (r SOSRequest) payload() (json.RawMessage, error) {
	if len(r.Payload) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(r.Payload, &fields); err != nil || fields == nil {
			return nil, errors.New("payload must be a JSON object")
		}
		return r.Payload, nil
	}
	if r.Text == "" && r.Latitude == nil {
		return nil, errors.New("text or location is required")
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return nil, errors.New("lat and lng must be given together")
	}
	return json.Marshal(struct {
		Text string   `json:"text,omitempty"`
		Name string   `json:"name,omitempty"`
		Lat  *float64 `json:"lat,omitempty"`
		Lng  *float64 `json:"lng,omitempty"`
	}{r.Text, r.Name, r.Latitude, r.Longitude})
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	var req SOSRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payload, err := req.payload()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.node.SendSOS(r.Context(), payload)
	s.writeSendResult(w, res, err)
}

type chatRequest struct {
	Text string `json:"text"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding payload")
		return
	}
	res, err := s.node.SendChat(r.Context(), payload)
	s.writeSendResult(w, res, err)
}

type sendResponse struct {
	node.SendResult
	Warning string `json:"warning,omitempty"`
}

// writeSendResult reports success whenever the message reached either the
// outbox or the mesh. Only a message that went nowhere is an error.
func (s *Server) writeSendResult(w http.ResponseWriter, res node.SendResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, sendResponse{SendResult: res})
	case errors.Is(err, outbox.ErrStorageFailure) && res.Broadcast:
		writeJSON(w, http.StatusAccepted, sendResponse{
			SendResult: res,
			Warning:    "message broadcast but not stored locally",
		})
	default:
		s.logger.Error("send failed", "error", err, "message_id", res.Message.ID)
		writeError(w, http.StatusServiceUnavailable, "message could not be stored or broadcast")
	}
}

type syncResponse struct {
	Ran     bool `json:"ran"`
	Total   int  `json:"total"`
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Skipped int  `json:"skipped"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, ran := s.node.Sync(r.Context())
	writeJSON(w, http.StatusOK, syncResponse{
		Ran:     ran,
		Total:   res.Total,
		Synced:  res.Synced,
		Failed:  res.Failed,
		Skipped: res.Skipped,
	})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.signal == nil {
		writeError(w, http.StatusConflict, "connectivity is probed automatically on this node")
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	s.signal.Set(*req.Online)
	s.logger.Info("connectivity set manually", "online", *req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.signal.Online()})
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.node.OutboxStats(r.Context())
	if err != nil {
		s.logger.Error("outbox stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "outbox unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status(r.Context()))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket not available")
		return
	}
	s.hub.ServeWS(w, r)
}

func (s *Server) handleWebSocketStats(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"connected_clients": 0,
			"timestamp":         time.Now().Unix(),
			"status":            "unavailable",
		})
		return
	}
	stats := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected_clients": stats.ConnectedClients,
		"dropped_events":    stats.DroppedEvents,
		"timestamp":         time.Now().Unix(),
		"status":            "active",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status(r.Context())
	status := http.StatusOK
	if st.OutboxErr != "" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"node_id": st.NodeID,
		"online":  st.Online,
		"outbox":  st.OutboxErr == "",
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
