package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/protocol"
)

// ClientConfig configures a grading client.
type ClientConfig struct {
	URL         string // ws:// or wss:// address of the grading endpoint.
	Token       string
	DialTimeout time.Duration // Default: 10s.
	DialRetries uint          // Extra dial attempts. Default: 0.
}

// Client submits essays to a remote gateway.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
}

// ProgressFunc receives each stage transition of a remote run.
type ProgressFunc func(protocol.RunProgress)

// RemoteError is an error envelope or run.failed message from the gateway.
type RemoteError struct {
	Code  string
	Stage domain.Stage
	Cause domain.Cause
	Msg   string
}

func (e *RemoteError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("run failed at %s (%s): %s", e.Stage, e.Cause, e.Msg)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Msg)
}

// NewClient creates a grading client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{cfg: cfg, logger: logger}
}

// Grade submits req and blocks until the run completes, fails, or ctx ends.
// Cancelling ctx closes the connection, which cancels the remote run.
func (c *Client) Grade(ctx context.Context, req domain.GradingRequest, onProgress ProgressFunc) (*domain.GradingReport, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "client done")

	submit, err := protocol.NewEnvelope(protocol.MsgGradeSubmit, protocol.SubmitFor(req))
	if err != nil {
		return nil, err
	}
	if err := writeEnvelope(ctx, conn, submit); err != nil {
		return nil, fmt.Errorf("sending submission: %w", err)
	}

	var runID string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading from gateway: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid message from gateway", slog.String("error", err.Error()))
			continue
		}
		if env.RunID != "" && runID != "" && env.RunID != runID {
			continue
		}

		switch env.Type {
		case protocol.MsgRunAccepted:
			runID = env.RunID
			c.logger.Debug("run accepted", slog.String("run_id", runID))

		case protocol.MsgRunProgress:
			var p protocol.RunProgress
			if err := env.Decode(&p); err == nil && onProgress != nil {
				onProgress(p)
			}

		case protocol.MsgRunCompleted:
			var done protocol.RunCompleted
			if err := env.Decode(&done); err != nil {
				return nil, fmt.Errorf("decoding report: %w", err)
			}
			if done.Report == nil {
				return nil, errors.New("gateway sent an empty report")
			}
			return done.Report, nil

		case protocol.MsgRunFailed:
			var f protocol.RunFailed
			_ = env.Decode(&f)
			return nil, &RemoteError{Stage: f.Stage, Cause: f.Cause, Msg: f.Error}

		case protocol.MsgError:
			var p protocol.ErrorPayload
			_ = env.Decode(&p)
			return nil, &RemoteError{Code: p.Code, Msg: p.Message}

		case protocol.MsgPing:
		default:
			c.logger.Debug("unknown message from gateway", slog.String("type", string(env.Type)))
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "url", Reason: err.Error()}
	}
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}

	dial := func() (*websocket.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dctx, u.String(), &websocket.DialOptions{
			Subprotocols: []string{protocol.Subprotocol},
		})
		if err != nil {
			return nil, fmt.Errorf("dialing gateway: %w", err)
		}
		return conn, nil
	}
	return backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.DialRetries+1),
	)
}
