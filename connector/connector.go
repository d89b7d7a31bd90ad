// Package connector is the realtime delivery edge: it terminates
// client WebSocket connections, binds each one to its recipient queue
// and to a fleet-wide session entry, and streams queue records to the
// client until it disconnects or loses session arbitration.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiucall/push/config"
	"github.com/xiucall/push/internal/logctx"
	"github.com/xiucall/push/queue"
	"github.com/xiucall/push/session"
)

const (
	writeTimeout = 10 * time.Second

	// commitPrefix is the only client-to-server message: "commit <n>"
	// acknowledges the n oldest records on the connection's channel.
	commitPrefix = "commit "

	// messagePrefix frames server-to-client deliveries:
	// "message [<payload>]".
	messagePrefix = "message "
)

// Server accepts WebSocket connections and serves each one a live
// view of its recipient queue.
type Server struct {
	cfg      *config.Config
	broker   *queue.Broker
	sessions *session.Manager
	log      *slog.Logger
	upgrader websocket.Upgrader

	quit      chan struct{}
	closeOnce sync.Once
}

// New builds the connector and starts consuming session kick events.
// Call Close to stop the kick consumer.
func New(cfg *config.Config, b *queue.Broker, sm *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		broker:   b,
		sessions: sm,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		quit: make(chan struct{}),
	}
	go s.kickLoop()
	return s
}

// Handler returns the HTTP handler performing the WebSocket upgrade.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Close stops the kick consumer. In-flight connections are torn down
// by their own read loops when the broker or listener goes away.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

// ListenAndServe serves until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	defer s.Close()

	addr := fmt.Sprintf("%s:%d", s.cfg.Connector.Host, s.cfg.Connector.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()
	s.log.Info("connector listening", "addr", addr)

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// kickLoop force-closes connections that lost session arbitration.
func (s *Server) kickLoop() {
	for {
		select {
		case k := <-s.sessions.Kicks():
			if c, ok := k.Ref.(*conn); ok {
				s.log.Info("session kicked", "identity", c.identity, "handle", k.Handle)
				c.kick()
			}
		case <-s.quit:
			return
		}
	}
}

// conn is one client connection's state.
type conn struct {
	ws       *websocket.Conn
	identity string
	handle   string
	q        *queue.Queue

	// commits pulses when the read loop advanced the ack cursor so
	// the delivery loop re-peeks. Capacity 1: pulses coalesce.
	commits chan struct{}

	cancel   context.CancelFunc
	kickOnce sync.Once
}

// kick tells the client it lost arbitration and tears the connection
// down.
func (c *conn) kick() {
	c.kickOnce.Do(func() {
		deadline := time.Now().Add(writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "kicked"), deadline)
		c.cancel()
		_ = c.ws.Close()
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		s.log.Warn("upgrade rejected", "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The request context dies when the handler returns the hijacked
	// connection, so the connection carries its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &conn{
		ws:       ws,
		identity: identity,
		commits:  make(chan struct{}, 1),
		cancel:   cancel,
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		Identity:   identity,
		RemoteAddr: r.RemoteAddr,
	})

	if err := s.serveConn(ctx, c); err != nil && !errors.Is(err, queue.ErrCanceled) && !errors.Is(err, context.Canceled) {
		s.log.InfoContext(ctx, "connection closed", "err", err)
	}
}

// serveConn binds the connection to its queue and session, then runs
// the delivery loop until the client goes away.
func (s *Server) serveConn(ctx context.Context, c *conn) error {
	defer c.ws.Close()

	q, err := s.broker.Get(ctx, c.identity, queue.GetOptions{
		Mode:       queue.ModeSubscribe,
		AutoCreate: true,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	c.q = q
	defer q.Close(context.WithoutCancel(ctx))

	handle, err := s.sessions.Join(ctx, c.identity, c)
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	c.handle = handle
	defer s.sessions.Remove(context.WithoutCancel(ctx), handle)

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		Identity:      c.identity,
		SessionHandle: handle,
		RemoteAddr:    c.ws.RemoteAddr().String(),
	})
	s.log.DebugContext(ctx, "connection established")

	// Hello frame: the client may start committing once it sees it.
	if err := c.write(""); err != nil {
		return err
	}

	go s.readLoop(ctx, c)
	return s.deliverLoop(ctx, c)
}

// readLoop consumes client messages. Any read error cancels the
// connection context, which unblocks the delivery loop.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	defer c.cancel()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		n, ok := parseCommit(string(data))
		if !ok {
			s.log.DebugContext(ctx, "unrecognized client message", "message", string(data))
			continue
		}
		for i := 0; i < n; i++ {
			if _, err := c.q.Commit(ctx); err != nil {
				s.log.WarnContext(ctx, "commit failed", "err", err)
				return
			}
		}
		if n > 0 {
			select {
			case c.commits <- struct{}{}:
			default:
			}
		}
	}
}

// deliverLoop streams records: peek the oldest unacked, deliver it,
// then wait for the ack cursor to move before peeking again.
func (s *Server) deliverLoop(ctx context.Context, c *conn) error {
	for {
		rec, err := c.q.Peek(ctx)
		if err != nil {
			return err
		}
		body, err := json.Marshal([]any{rec.Payload})
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := c.write(messagePrefix + string(body)); err != nil {
			return err
		}
		select {
		case <-c.commits:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *conn) write(msg string) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// parseCommit parses "commit <n>". A bare "commit" means one record.
func parseCommit(msg string) (int, bool) {
	if msg == strings.TrimSuffix(commitPrefix, " ") {
		return 1, true
	}
	rest, ok := strings.CutPrefix(msg, commitPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
