package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/session/protocol"
)

// Conn is the stdio of a running agent.
type Conn struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	// Close ends the agent. It is called exactly once.
	Close func() error

	// Diagnostics returns recent stderr output, if the transport captures it.
	Diagnostics func() string
}

// Transport starts an agent for one session.
type Transport interface {
	Start(ctx context.Context, req engine.SessionRequest) (*Conn, error)
}

// ProcessExecutor runs each session in a fresh agent process and speaks the
// JSON-lines protocol with it. Questions from the agent are passed to the
// Responder; the call blocks until it answers.
type ProcessExecutor struct {
	transport Transport
	responder Responder
	publisher engine.EventPublisher
	model     string
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// Option customizes a ProcessExecutor.
type Option func(*ProcessExecutor)

// WithResponder sets who answers agent questions.
func WithResponder(r Responder) Option {
	return func(p *ProcessExecutor) { p.responder = r }
}

// WithPublisher forwards agent output as session.output events.
func WithPublisher(pub engine.EventPublisher) Option {
	return func(p *ProcessExecutor) { p.publisher = pub }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *ProcessExecutor) { p.logger = l }
}

// WithTransport replaces the process transport.
func WithTransport(t Transport) Option {
	return func(p *ProcessExecutor) { p.transport = t }
}

// WithModel sets the model used when a request does not name one.
func WithModel(model string) Option {
	return func(p *ProcessExecutor) { p.model = model }
}

// NewProcessExecutor creates an executor that starts cfg.Command per session.
func NewProcessExecutor(cfg CommandConfig, opts ...Option) *ProcessExecutor {
	p := &ProcessExecutor{
		transport: NewCommandTransport(cfg),
		responder: DefaultResponder{},
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("specflow/session"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// received is one decoded line from the agent.
type received struct {
	msg *protocol.Message
	err error
}

// Execute implements engine.SessionExecutor.
func (p *ProcessExecutor) Execute(ctx context.Context, req engine.SessionRequest) (*engine.SessionResult, error) {
	ctx, span := p.tracer.Start(ctx, "session",
		trace.WithAttributes(attribute.String("item", req.ItemID), attribute.String("phase", string(req.Phase))))
	defer span.End()

	sessionID := uuid.New().String()
	logger := p.logger.With().Str("session", sessionID).Str("item", req.ItemID).Str("phase", string(req.Phase)).Logger()

	conn, err := p.transport.Start(ctx, req)
	if err != nil {
		return nil, engine.NewTransientError("failed to start agent", err).
			WithCode(engine.ErrCodeSessionFailed).WithItem(req.ItemID).WithPhase(req.Phase)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("Agent did not exit cleanly")
		}
	}()

	enc := protocol.NewEncoder(conn.Stdin)
	dec := protocol.NewDecoder(conn.Stdout)

	model := req.Options.Model
	if model == "" {
		model = p.model
	}
	start := &protocol.SessionMessage{
		ID:                  sessionID,
		ItemID:              req.ItemID,
		Phase:               string(req.Phase),
		Payload:             req.Payload,
		WorkingContext:      req.WorkingContext,
		Model:               model,
		AllowedCapabilities: req.Options.AllowedCapabilities,
		Timeout:             int(req.Options.Timeout / time.Second),
	}
	if err := enc.EncodeSession(start); err != nil {
		return nil, engine.NewTransientError("failed to send session", err).
			WithCode(engine.ErrCodeSessionFailed).WithItem(req.ItemID).WithPhase(req.Phase)
	}

	done := make(chan struct{})
	defer close(done)
	incoming := make(chan received)
	go func() {
		for {
			msg, err := dec.Decode()
			select {
			case incoming <- received{msg: msg, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	began := time.Now()
	for {
		var in received
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session %s for %s: %w", sessionID, req.ItemID, ctx.Err())
		case in = <-incoming:
		}

		if in.err != nil {
			if errors.Is(in.err, io.EOF) {
				msg := "agent exited without a result"
				if conn.Diagnostics != nil {
					if tail := conn.Diagnostics(); tail != "" {
						msg += ": " + tail
					}
				}
				return nil, engine.NewTransientError(msg, nil).
					WithCode(engine.ErrCodeSessionFailed).WithItem(req.ItemID).WithPhase(req.Phase)
			}
			return nil, p.protocolError("unreadable agent output", in.err, req)
		}

		switch in.msg.Type {
		case protocol.MessageTypeReady:
			var ready protocol.ReadyMessage
			if err := protocol.ParseData(in.msg.Data, &ready); err == nil {
				logger.Debug().Str("version", ready.Version).Int("pid", ready.PID).Msg("Agent ready")
			}

		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(in.msg.Data, &event); err != nil {
				return nil, p.protocolError("invalid event", err, req)
			}
			p.forward(ctx, logger, req, &event)

		case protocol.MessageTypeQuestion:
			var q protocol.QuestionMessage
			if err := protocol.ParseData(in.msg.Data, &q); err != nil {
				return nil, p.protocolError("invalid question", err, req)
			}
			if err := q.Validate(); err != nil {
				return nil, p.protocolError("invalid question", err, req)
			}
			logger.Info().Str("question", q.ID).Msg("Agent is waiting for an answer")
			answer, err := p.responder.Answer(ctx, req, &q)
			if err != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("session %s for %s: %w", sessionID, req.ItemID, ctx.Err())
				}
				return nil, engine.NewPermanentError("question was not answered", err).
					WithItem(req.ItemID).WithPhase(req.Phase).WithDetail("question", q.Prompt)
			}
			if err := enc.EncodeAnswer(&protocol.AnswerMessage{SessionID: sessionID, QuestionID: q.ID, Answer: answer}); err != nil {
				return nil, engine.NewTransientError("failed to send answer", err).
					WithCode(engine.ErrCodeSessionFailed).WithItem(req.ItemID).WithPhase(req.Phase)
			}

		case protocol.MessageTypeResult:
			var rm protocol.ResultMessage
			if err := protocol.ParseData(in.msg.Data, &rm); err != nil {
				return nil, p.protocolError("invalid result", err, req)
			}
			var res engine.SessionResult
			if err := json.Unmarshal(rm.Result, &res); err != nil {
				return nil, p.protocolError("invalid result", err, req)
			}
			logger.Debug().
				Str("status", string(res.Status)).
				Int("artifacts", len(res.Artifacts)).
				Dur("duration", time.Since(began)).
				Msg("Agent returned a result")
			return &res, nil

		case protocol.MessageTypeError:
			var em protocol.ErrorMessage
			if err := protocol.ParseData(in.msg.Data, &em); err != nil {
				return nil, p.protocolError("invalid error message", err, req)
			}
			return nil, agentError(&em, req)

		default:
			return nil, p.protocolError(fmt.Sprintf("unexpected %s message from agent", in.msg.Type), nil, req)
		}
	}
}

func (p *ProcessExecutor) forward(ctx context.Context, logger zerolog.Logger, req engine.SessionRequest, event *protocol.EventMessage) {
	switch event.Level {
	case "warn":
		logger.Warn().Msg(event.Message)
	case "debug":
		logger.Debug().Msg(event.Message)
	default:
		logger.Info().Msg(event.Message)
	}
	if p.publisher == nil {
		return
	}
	data := make(map[string]interface{}, len(event.Metadata)+1)
	for k, v := range event.Metadata {
		data[k] = v
	}
	data["level"] = event.Level
	if err := p.publisher.Publish(context.WithoutCancel(ctx), &engine.Event{
		ID:        uuid.New().String(),
		Type:      engine.EventSessionOutput,
		Timestamp: time.Now(),
		ItemID:    req.ItemID,
		Phase:     req.Phase,
		Message:   event.Message,
		Data:      data,
	}); err != nil {
		logger.Debug().Err(err).Msg("Failed to publish session output")
	}
}

func (p *ProcessExecutor) protocolError(msg string, err error, req engine.SessionRequest) error {
	return engine.NewStructuralError(engine.ErrCodeMalformedResult, msg, err).
		WithItem(req.ItemID).WithPhase(req.Phase)
}

// agentError classifies an ERROR message. Rate limits are throttled,
// retryable errors transient, and everything else permanent.
func agentError(m *protocol.ErrorMessage, req engine.SessionRequest) error {
	msg := "agent error: " + m.Message
	var e *engine.EngineError
	switch {
	case m.RetryAfter > 0 || m.Code == engine.ErrCodeRateLimited:
		e = engine.NewThrottledError(msg, nil).WithCode(engine.ErrCodeRateLimited)
		if m.RetryAfter > 0 {
			e = e.WithDetail("retry_after", time.Duration(m.RetryAfter)*time.Second)
		}
	case m.Retryable:
		code := m.Code
		if code == "" {
			code = engine.ErrCodeSessionFailed
		}
		e = engine.NewTransientError(msg, nil).WithCode(code)
	default:
		code := m.Code
		if code == "" {
			code = engine.ErrCodeSessionFailed
		}
		e = engine.NewStructuralError(code, msg, nil)
	}
	for k, v := range m.Details {
		e = e.WithDetail(k, v)
	}
	return e.WithItem(req.ItemID).WithPhase(req.Phase)
}
