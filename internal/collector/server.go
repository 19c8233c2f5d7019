package collector

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

// Server is the batch-ingest HTTP surface.
type Server struct {
	auth   *Authenticator
	writer EventWriter
	reader *Reader // nil if ClickHouse unavailable
	logger *zap.Logger
}

// NewServer wires the ingest handler. reader may be nil.
func NewServer(auth *Authenticator, writer EventWriter, reader *Reader, logger *zap.Logger) *Server {
	return &Server{auth: auth, writer: writer, reader: reader, logger: logger}
}

// Router builds the collector HTTP mux.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/batches", s.handleIngest)
	mux.HandleFunc("GET /v1/events", s.handleListEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return requestLogging(mux, s.logger)
}

// handleIngest implements POST /v1/batches: bearer ingest key, then the
// decoded batch is handed to the async writer. The agent treats any
// non-2xx as a transmission failure and retries.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	key, ok := extractBearerToken(r)
	if !ok || !strings.HasPrefix(key, "bsk_") {
		writeJSON(w, http.StatusUnauthorized, errorResp{Detail: "Missing or invalid Authorization header"})
		return
	}

	client, err := s.auth.Authenticate(r.Context(), key)
	if err != nil {
		s.logger.Warn("ingest auth failed", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, errorResp{Detail: "Invalid ingest key"})
		return
	}

	var batch event.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Detail: "Invalid JSON body"})
		return
	}
	_ = r.Body.Close()
	if batch.BatchID == "" || len(batch.Events) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Detail: "batchId and events are required"})
		return
	}

	s.writer.Write(client.ClientID, &batch)
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batch.BatchID})
}

// handleListEvents implements GET /v1/events?limit=N for dashboards.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Detail: "Event store not configured"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.reader.RecentEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing events failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Detail: "Internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type errorResp struct {
	Detail string `json:"detail"`
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
