package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/specflow/pkg/engine"
)

// CommandConfig describes how to start the agent process.
type CommandConfig struct {
	// Command is the agent executable.
	Command string
	// Args are passed to every invocation.
	Args []string
	// Env adds KEY=VALUE pairs to the inherited environment.
	Env map[string]string
	// Dir is the working directory used when a request has none.
	Dir string
	// ExitGrace is how long the agent may take to exit after a session ends
	// or times out before it is killed. A cancelled run is never killed.
	ExitGrace time.Duration
}

// CommandTransport starts the agent as a local child process.
type CommandTransport struct {
	cfg CommandConfig
}

// NewCommandTransport creates a transport for cfg.
func NewCommandTransport(cfg CommandConfig) *CommandTransport {
	if cfg.ExitGrace == 0 {
		cfg.ExitGrace = 5 * time.Second
	}
	return &CommandTransport{cfg: cfg}
}

// Start launches the agent. When ctx is done the agent's stdin is closed and
// it is sent a termination request. A cancelled run then waits for the agent
// to stop on its own; a session that ran out of time is killed once ExitGrace
// has passed.
func (t *CommandTransport) Start(ctx context.Context, req engine.SessionRequest) (*Conn, error) {
	if t.cfg.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = req.WorkingContext
	if cmd.Dir == "" {
		cmd.Dir = t.cfg.Dir
	}
	cmd.Env = append(os.Environ(),
		"SPECFLOW_ITEM="+req.ItemID,
		"SPECFLOW_PHASE="+string(req.Phase),
	)
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	// Stdout is a plain pipe rather than StdoutPipe so Wait can run while
	// the last lines are still being read.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	cmd.Stdout = stdoutW
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", t.cfg.Command, err)
	}
	_ = stdoutW.Close()

	p := &agentProcess{cmd: cmd, stdin: stdin, grace: t.cfg.ExitGrace, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	go p.stopOn(ctx)

	return &Conn{
		Stdin:  stdin,
		Stdout: stdout,
		Close: func() error {
			err := p.close()
			_ = stdout.Close()
			return err
		},
		Diagnostics: stderr.String,
	}, nil
}

// agentProcess tracks a running agent.
type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	grace  time.Duration
	exited chan struct{}
	err    error

	stopRequested atomic.Bool
	// timedOut is set when the session deadline passed.
	timedOut atomic.Bool
}

// stopOn asks the agent to stop when ctx is done.
func (p *agentProcess) stopOn(ctx context.Context) {
	select {
	case <-p.exited:
		return
	case <-ctx.Done():
	}
	p.timedOut.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
	p.stopRequested.Store(true)
	_ = p.stdin.Close()
	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
		return
	}
	if !p.timedOut.Load() {
		return
	}
	select {
	case <-p.exited:
	case <-time.After(p.grace):
		_ = p.cmd.Process.Kill()
	}
}

// close ends the session from our side. An agent that is winding down after
// a cancellation is waited for; otherwise it is killed after the grace period.
func (p *agentProcess) close() error {
	_ = p.stdin.Close()
	select {
	case <-p.exited:
		return p.err
	case <-time.After(p.grace):
	}
	if p.cancelled() {
		<-p.exited
		return p.err
	}
	_ = p.cmd.Process.Kill()
	<-p.exited
	return p.err
}

// cancelled reports whether the agent was asked to stop by a cancelled run,
// as opposed to a session deadline.
func (p *agentProcess) cancelled() bool {
	return p.stopRequested.Load() && !p.timedOut.Load()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
