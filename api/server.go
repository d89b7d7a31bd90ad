// Package api is the HTTP ingress: producers post messages addressed
// to recipient identifiers and the server fans them out into the
// per-recipient durable queues.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/xiucall/push/config"
	"github.com/xiucall/push/internal/logctx"
	"github.com/xiucall/push/queue"
)

// healthyTimeout bounds the synthetic push/peek/dump cycle of the
// health check.
const healthyTimeout = 5 * time.Second

// Routes supported by this server, by API version.
var Routes = map[string][]string{
	"v1": {
		"/push",
		"/healthy",
		"/apis",
		"/queues/{id}/messages",
	},
}

// Server is the ingress HTTP server. It owns nothing but a reference
// to the broker; broker lifecycle belongs to the caller.
type Server struct {
	cfg     *config.Config
	broker  *queue.Broker
	log     *slog.Logger
	limiter *rate.Limiter
	router  chi.Router
}

// New builds the ingress server and its routes.
func New(cfg *config.Config, b *queue.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		broker: b,
		log:    logger,
	}
	if cfg.API.RatePerSecond > 0 {
		burst := cfg.API.RateBurst
		if burst <= 0 {
			burst = int(cfg.API.RatePerSecond) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.API.RatePerSecond), burst)
	}

	r := chi.NewRouter()
	r.Use(s.requestContext)
	r.Post("/push", s.handlePush)
	r.Post("/healthy", s.handleHealthy)
	r.Get("/apis", s.handleAPIs)
	r.Get("/queues/{id}/messages", s.handleQuery)
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	srv := &http.Server{Addr: addr, Handler: s.router}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	s.log.Info("api server listening", "addr", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestContext threads request attributes onto the context for the
// logging handler.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		})
		s.log.DebugContext(ctx, "request")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type pushRequest struct {
	SendID     string   `json:"send_id"`
	Channel    any      `json:"channel"`
	RecvID     []string `json:"recv_id"`
	Data       any      `json:"data"`
	AutoCreate bool     `json:"auto_create"`
}

type pushResponse struct {
	OK        int      `json:"ok"`
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}
	switch {
	case req.SendID == "":
		writeError(w, http.StatusBadRequest, "property send_id required")
		return
	case req.Channel == nil:
		writeError(w, http.StatusBadRequest, "property channel required")
		return
	case len(req.RecvID) == 0:
		writeError(w, http.StatusBadRequest, "property recv_id required")
		return
	case req.Data == nil:
		writeError(w, http.StatusBadRequest, "property data required")
		return
	}

	payload := map[string]any{
		"channel": req.Channel,
		"from":    req.SendID,
		"data":    req.Data,
	}

	var failed []string
	for _, recv := range req.RecvID {
		if err := s.pushOne(ctx, recv, payload, req.AutoCreate); err != nil {
			s.log.WarnContext(ctx, "push failed", "recipient", recv, "err", err)
			failed = append(failed, recv)
		}
	}

	if len(failed) > 0 && r.URL.Query().Get("strict") != "" {
		writeError(w, http.StatusNotAcceptable, fmt.Sprintf("push not finished: %d of %d failed", len(failed), len(req.RecvID)))
		return
	}
	writeJSON(w, http.StatusOK, pushResponse{
		OK:        1,
		Delivered: len(req.RecvID) - len(failed),
		Failed:    failed,
	})
}

// pushOne enqueues one recipient's copy. A failed recipient never
// fails the others.
func (s *Server) pushOne(ctx context.Context, recipient string, payload map[string]any, autoCreate bool) error {
	q, err := s.broker.Get(ctx, recipient, queue.GetOptions{
		Mode:       queue.ModePublish,
		AutoCreate: autoCreate,
	})
	if err != nil {
		return err
	}
	defer q.Close(ctx)
	_, err = q.Push(ctx, payload)
	return err
}

// handleHealthy cycles a synthetic recipient queue end to end:
// push, peek, close-dump, all under one deadline.
func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthyTimeout)
	defer cancel()

	recipient := "healthy_" + uuid.NewString()
	err := func() error {
		q, err := s.broker.Get(ctx, recipient, queue.GetOptions{
			Mode:       queue.ModeSubscribe,
			AutoCreate: true,
		})
		if err != nil {
			return err
		}
		defer q.CloseDump(context.WithoutCancel(ctx))

		if _, err := q.Push(ctx, map[string]any{"healthy": time.Now().UnixMilli()}); err != nil {
			return err
		}
		if _, err := q.Peek(ctx); err != nil {
			return err
		}
		return nil
	}()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, fmt.Sprintf("health cycle failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1})
}

func (s *Server) handleAPIs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Routes)
}

// handleQuery serves the inspection interface: raw records in
// insertion order, without touching acknowledgement state.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	recipient := chi.URLParam(r, "id")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	q, err := s.broker.Get(ctx, recipient, queue.GetOptions{Mode: queue.ModePublish})
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "queue not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer q.Close(ctx)

	recs, err := q.Query(ctx, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type item struct {
		Payload      map[string]any `json:"payload"`
		AckMask      uint16         `json:"ack_mask"`
		LastModified time.Time      `json:"last_modified"`
	}
	out := make([]item, 0, len(recs))
	for _, rec := range recs {
		out = append(out, item{
			Payload:      rec.Payload,
			AckMask:      rec.AckMask,
			LastModified: rec.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "messages": out})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": 0, "error": message})
}
