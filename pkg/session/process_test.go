package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/session/protocol"
)

// agentScript plays the agent side of one session.
type agentScript func(dec *protocol.Decoder, enc *protocol.Encoder)

// pipeTransport runs an agentScript over in-memory pipes.
type pipeTransport struct {
	script  agentScript
	mu      sync.Mutex
	session *protocol.SessionMessage
}

func (p *pipeTransport) Start(_ context.Context, _ engine.SessionRequest) (*Conn, error) {
	toAgent, fromExecutor := io.Pipe()
	fromAgent, toExecutor := io.Pipe()

	go func() {
		defer toExecutor.Close()
		dec := protocol.NewDecoder(toAgent)
		s, err := dec.DecodeSession()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.session = s
		p.mu.Unlock()
		p.script(dec, protocol.NewEncoder(toExecutor))
	}()

	return &Conn{
		Stdin:  fromExecutor,
		Stdout: fromAgent,
		Close: func() error {
			_ = fromExecutor.Close()
			return fromAgent.Close()
		},
	}, nil
}

func (p *pipeTransport) received() *protocol.SessionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (c *capturePublisher) Publish(_ context.Context, e *engine.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

type scriptedResponder struct {
	answer string
	asked  []string
}

func (s *scriptedResponder) Answer(_ context.Context, _ engine.SessionRequest, q *protocol.QuestionMessage) (string, error) {
	s.asked = append(s.asked, q.Prompt)
	return s.answer, nil
}

func sendResult(enc *protocol.Encoder, res engine.SessionResult) {
	raw, _ := json.Marshal(res)
	_ = enc.EncodeResult(&protocol.ResultMessage{Result: raw})
}

func request() engine.SessionRequest {
	return engine.SessionRequest{
		ItemID:  "auth",
		Phase:   engine.PhaseWriteSpec,
		Payload: json.RawMessage(`{"item":{"id":"auth"}}`),
		Options: engine.SessionOptions{AllowedCapabilities: []string{"edit"}, Timeout: 90 * time.Second},
	}
}

func TestExecute_Result(t *testing.T) {
	transport := &pipeTransport{script: func(dec *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.Encode(protocol.MessageTypeReady, &protocol.ReadyMessage{Version: "1"})
		_ = enc.EncodeEvent(&protocol.EventMessage{SessionID: "s", Message: "writing spec", Metadata: map[string]string{"step": "1"}})
		sendResult(enc, engine.SessionResult{
			Status:    engine.OutcomeSuccess,
			Artifacts: []engine.Artifact{{Ref: "specs/auth.md"}},
			Findings:  []string{"uses OAuth"},
		})
	}}
	pub := &capturePublisher{}
	executor := NewProcessExecutor(CommandConfig{}, WithTransport(transport), WithPublisher(pub), WithModel("default-model"))

	res, err := executor.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeSuccess, res.Status)
	assert.Equal(t, "specs/auth.md", res.Artifacts[0].Ref)
	assert.Equal(t, []string{"uses OAuth"}, res.Findings)

	s := transport.received()
	require.NotNil(t, s)
	assert.Equal(t, "auth", s.ItemID)
	assert.Equal(t, "write-spec", s.Phase)
	assert.Equal(t, "default-model", s.Model)
	assert.Equal(t, 90, s.Timeout)
	assert.JSONEq(t, `{"item":{"id":"auth"}}`, string(s.Payload))

	require.Len(t, pub.events, 1)
	assert.Equal(t, engine.EventSessionOutput, pub.events[0].Type)
	assert.Equal(t, "writing spec", pub.events[0].Message)
	assert.Equal(t, "1", pub.events[0].Data["step"])
}

func TestExecute_QuestionSuspendsUntilAnswered(t *testing.T) {
	transport := &pipeTransport{script: func(dec *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.EncodeQuestion(&protocol.QuestionMessage{SessionID: "s", ID: "q1", Prompt: "OAuth or sessions?", Options: []string{"oauth", "sessions"}})
		msg, err := dec.Decode()
		if err != nil || msg.Type != protocol.MessageTypeAnswer {
			_ = enc.EncodeError(&protocol.ErrorMessage{Code: "NO_ANSWER", Message: "expected an answer"})
			return
		}
		var a protocol.AnswerMessage
		_ = protocol.ParseData(msg.Data, &a)
		sendResult(enc, engine.SessionResult{
			Status:    engine.OutcomeSuccess,
			Artifacts: []engine.Artifact{{Ref: "specs/auth.md"}},
			Findings:  []string{"chose " + a.Answer + " for " + a.QuestionID},
		})
	}}
	responder := &scriptedResponder{answer: "sessions"}
	executor := NewProcessExecutor(CommandConfig{}, WithTransport(transport), WithResponder(responder))

	res, err := executor.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []string{"OAuth or sessions?"}, responder.asked)
	assert.Equal(t, []string{"chose sessions for q1"}, res.Findings)
}

func TestExecute_ErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		msg   protocol.ErrorMessage
		check func(error) bool
		code  string
	}{
		{
			name:  "rate limited",
			msg:   protocol.ErrorMessage{Code: "RATE_LIMITED", Message: "slow down", RetryAfter: 30},
			check: engine.IsThrottled,
			code:  engine.ErrCodeRateLimited,
		},
		{
			name:  "retryable",
			msg:   protocol.ErrorMessage{Code: "UPSTREAM", Message: "model overloaded", Retryable: true},
			check: engine.IsTransient,
			code:  "UPSTREAM",
		},
		{
			name:  "permanent",
			msg:   protocol.ErrorMessage{Message: "capability denied"},
			check: engine.IsStructural,
			code:  engine.ErrCodeSessionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			transport := &pipeTransport{script: func(_ *protocol.Decoder, enc *protocol.Encoder) {
				_ = enc.EncodeError(&msg)
			}}
			_, err := NewProcessExecutor(CommandConfig{}, WithTransport(transport)).Execute(context.Background(), request())
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected class: %v", err)

			var ee *engine.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.code, ee.Code)
			assert.Equal(t, "auth", ee.Item)
		})
	}
}

func TestExecute_MalformedOutputIsStructural(t *testing.T) {
	scripts := map[string]agentScript{
		"result is not an object": func(_ *protocol.Decoder, enc *protocol.Encoder) {
			_ = enc.EncodeResult(&protocol.ResultMessage{Result: json.RawMessage(`"done"`)})
		},
		"agent sends a session": func(_ *protocol.Decoder, enc *protocol.Encoder) {
			_ = enc.Encode(protocol.MessageTypeSession, &protocol.SessionMessage{ID: "x", ItemID: "y", Phase: "z"})
		},
		"question without prompt": func(_ *protocol.Decoder, enc *protocol.Encoder) {
			_ = enc.Encode(protocol.MessageTypeQuestion, &protocol.QuestionMessage{ID: "q"})
		},
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			_, err := NewProcessExecutor(CommandConfig{}, WithTransport(&pipeTransport{script: script})).
				Execute(context.Background(), request())
			require.Error(t, err)
			assert.True(t, engine.IsStructural(err))

			var ee *engine.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, engine.ErrCodeMalformedResult, ee.Code)
		})
	}
}

func TestExecute_AgentExitWithoutResultIsTransient(t *testing.T) {
	transport := &pipeTransport{script: func(_ *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.EncodeEvent(&protocol.EventMessage{SessionID: "s", Message: "crashing"})
	}}
	_, err := NewProcessExecutor(CommandConfig{}, WithTransport(transport)).Execute(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.Contains(t, err.Error(), "without a result")
}

func TestExecute_DeadlineReturnsContextError(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	transport := &pipeTransport{script: func(_ *protocol.Decoder, _ *protocol.Encoder) {
		<-release
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewProcessExecutor(CommandConfig{}, WithTransport(transport)).Execute(ctx, request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecute_UnansweredQuestionIsPermanent(t *testing.T) {
	transport := &pipeTransport{script: func(dec *protocol.Decoder, enc *protocol.Encoder) {
		_ = enc.EncodeQuestion(&protocol.QuestionMessage{SessionID: "s", ID: "q1", Prompt: "Which database?"})
		_, _ = dec.Decode()
	}}
	_, err := NewProcessExecutor(CommandConfig{}, WithTransport(transport)).Execute(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
	assert.ErrorIs(t, err, ErrNoAnswer)
}

func TestCommandTransport_RealProcess(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := `read line; echo '{"type":"RESULT","timestamp":"2024-01-01T00:00:00Z","data":{"result":{"status":"success","artifacts":[{"ref":"'"$SPECFLOW_ITEM"'.md"}]}}}'`
	executor := NewProcessExecutor(CommandConfig{Command: sh, Args: []string{"-c", script}})

	res, err := executor.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeSuccess, res.Status)
	assert.Equal(t, "auth.md", res.Artifacts[0].Ref)
}

func TestCommandTransport_MissingCommand(t *testing.T) {
	_, err := NewProcessExecutor(CommandConfig{}).Execute(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestCommandTransport_ExitWithoutResult(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	executor := NewProcessExecutor(CommandConfig{Command: sh, Args: []string{"-c", "read line; echo boom >&2; sleep 0.1"}})
	_, err = executor.Execute(context.Background(), request())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "without a result"))
}

func TestCommandTransport_CancelLetsAgentFinish(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	// The checkpoint takes longer than the grace period.
	marker := filepath.Join(t.TempDir(), "stopped")
	script := `trap 'sleep 0.5; echo cleaned > "$MARKER"; exit 0' TERM; read line; while :; do sleep 0.05; done`
	executor := NewProcessExecutor(CommandConfig{
		Command:   sh,
		Args:      []string{"-c", script},
		Env:       map[string]string{"MARKER": marker},
		ExitGrace: 100 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	_, err = executor.Execute(ctx, request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	data, err := os.ReadFile(marker)
	require.NoError(t, err, "agent was killed before its checkpoint")
	assert.Equal(t, "cleaned\n", string(data))
}

func TestCommandTransport_TimeoutKillsAfterGrace(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	script := `trap '' TERM; read line; while :; do sleep 0.05; done`
	executor := NewProcessExecutor(CommandConfig{
		Command:   sh,
		Args:      []string{"-c", script},
		ExitGrace: 100 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	began := time.Now()
	_, err = executor.Execute(ctx, request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(began), 3*time.Second)
}
