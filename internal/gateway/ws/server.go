// Package ws streams grading runs over WebSocket. A client submits essays
// with grade.submit and receives run.accepted, then run.progress for every
// stage, then run.completed or run.failed.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amibaren/essaygrader/internal/config"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/protocol"
	"github.com/amibaren/essaygrader/internal/workflow"
)

// Grader starts and tracks runs. *workflow.Engine implements it.
type Grader interface {
	Submit(ctx context.Context, req domain.GradingRequest) (*workflow.Run, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Subscribe(fn workflow.Observer) (unsubscribe func())
}

var _ Grader = (*workflow.Engine)(nil)

// outboxSize bounds the events queued for a slow client.
const outboxSize = 64

// Server accepts grading clients.
type Server struct {
	grader Grader
	cfg    *config.WebSocketGatewayConfig
	logger *slog.Logger
	conns  prometheus.Gauge
}

// Option configures a Server.
type Option func(*Server)

// WithConnectionGauge tracks open connections.
func WithConnectionGauge(g prometheus.Gauge) Option {
	return func(s *Server) { s.conns = g }
}

// NewServer creates a WebSocket server in front of grader.
func NewServer(grader Grader, cfg *config.WebSocketGatewayConfig, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{grader: grader, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns an http.Handler that upgrades connections.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg != nil && s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	s.serve(r.Context(), conn)
}

// session is one client connection. Engine observers only enqueue; a
// single writer goroutine owns the socket.
type session struct {
	s      *Server
	conn   *websocket.Conn
	outbox chan *protocol.Envelope

	mu   sync.Mutex
	runs map[uuid.UUID]string // run id -> id of the submitting message
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	if s.conns != nil {
		s.conns.Inc()
		defer s.conns.Dec()
	}

	sess := &session{
		s:      s,
		conn:   conn,
		outbox: make(chan *protocol.Envelope, outboxSize),
		runs:   make(map[uuid.UUID]string),
	}
	unsubscribe := s.grader.Subscribe(func(ev workflow.Event) { sess.deliver(ctx, ev) })
	defer unsubscribe()
	defer sess.cancelRuns()

	go sess.writeLoop(ctx, cancel)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				s.logger.Debug("grading client disconnected")
			} else {
				s.logger.Warn("grading client connection error", slog.String("error", err.Error()))
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sess.sendError(ctx, "", protocol.CodeBadMessage, "message is not a JSON envelope")
			continue
		}
		sess.handle(ctx, &env)
	}
}

func (c *session) handle(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgGradeSubmit:
		var sub protocol.GradeSubmit
		if err := env.Decode(&sub); err != nil {
			c.sendError(ctx, env.ID, protocol.CodeBadMessage, "grade.submit payload: "+err.Error())
			return
		}
		// Holding mu until run.accepted is queued keeps the run's first
		// progress event behind it. The run outlives this message but not
		// the connection.
		c.mu.Lock()
		rn, err := c.s.grader.Submit(ctx, sub.Request())
		if err != nil {
			c.mu.Unlock()
			code := protocol.CodeInvalid
			if errors.Is(err, workflow.ErrTooManyRuns) {
				code = protocol.CodeBusy
			}
			c.sendError(ctx, env.ID, code, err.Error())
			return
		}
		c.runs[rn.ID] = env.ID
		reply, _ := protocol.NewEnvelope(protocol.MsgRunAccepted, protocol.RunAccepted{
			RunID:      rn.ID.String(),
			EssayID:    rn.EssayID,
			Complexity: rn.Complexity,
		})
		reply.ReplyTo, reply.RunID = env.ID, rn.ID.String()
		c.enqueue(ctx, reply)
		c.mu.Unlock()

	case protocol.MsgRunCancel:
		id, err := uuid.Parse(env.RunID)
		c.mu.Lock()
		_, owned := c.runs[id]
		c.mu.Unlock()
		if err != nil || !owned {
			c.sendError(ctx, env.ID, protocol.CodeUnknownRun, "no such run on this connection")
			return
		}
		if err := c.s.grader.Cancel(ctx, id); err != nil {
			c.sendError(ctx, env.ID, protocol.CodeUnknownRun, err.Error())
		}

	default:
		c.sendError(ctx, env.ID, protocol.CodeBadMessage, "unsupported message type "+string(env.Type))
	}
}

// cancelRuns stops the runs this connection submitted that are still going.
func (c *session) cancelRuns() {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		_ = c.s.grader.Cancel(context.Background(), id)
	}
}

// deliver forwards an engine event for a run submitted on this connection.
func (c *session) deliver(ctx context.Context, ev workflow.Event) {
	c.mu.Lock()
	replyTo, owned := c.runs[ev.RunID]
	if owned && ev.Stage.Terminal() {
		delete(c.runs, ev.RunID)
	}
	c.mu.Unlock()
	if !owned {
		return
	}

	env, err := eventEnvelope(ev)
	if err != nil {
		c.s.logger.Error("encoding run event", slog.String("error", err.Error()))
		return
	}
	env.ReplyTo = replyTo
	c.enqueue(ctx, env)
}

func eventEnvelope(ev workflow.Event) (*protocol.Envelope, error) {
	var (
		env *protocol.Envelope
		err error
	)
	switch ev.Stage {
	case domain.StageDone:
		env, err = protocol.NewEnvelope(protocol.MsgRunCompleted, protocol.RunCompleted{Report: ev.Report})
	case domain.StageFailed:
		failed := protocol.RunFailed{Cause: domain.CauseOf(ev.Err)}
		if ev.Err != nil {
			failed.Error = ev.Err.Error()
		}
		var wfErr *domain.WorkflowError
		if errors.As(ev.Err, &wfErr) {
			failed.Stage = wfErr.Stage
		}
		env, err = protocol.NewEnvelope(protocol.MsgRunFailed, failed)
	default:
		env, err = protocol.NewEnvelope(protocol.MsgRunProgress, protocol.RunProgress{Stage: ev.Stage, Progress: ev.Progress})
	}
	if err != nil {
		return nil, err
	}
	env.RunID = ev.RunID.String()
	return env, nil
}

func (c *session) enqueue(ctx context.Context, env *protocol.Envelope) {
	select {
	case c.outbox <- env:
	case <-ctx.Done():
	}
}

func (c *session) sendError(ctx context.Context, replyTo, code, msg string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	env.ReplyTo = replyTo
	c.enqueue(ctx, env)
}

// writeLoop owns all writes, including heartbeat pings. A failed write
// tears the connection down.
func (c *session) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(c.s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		var env *protocol.Envelope
		select {
		case <-ctx.Done():
			return
		case env = <-c.outbox:
		case <-ticker.C:
			env, _ = protocol.NewEnvelope(protocol.MsgPing, nil)
		}
		if err := writeEnvelope(ctx, c.conn, env); err != nil {
			c.s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
