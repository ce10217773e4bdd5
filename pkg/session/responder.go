package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/session/protocol"
)

// ErrNoAnswer is returned when a question has no answer available.
var ErrNoAnswer = errors.New("no answer available")

// Responder answers questions an agent asks during a session. Answer may block
// for as long as the operator needs.
type Responder interface {
	Answer(ctx context.Context, req engine.SessionRequest, q *protocol.QuestionMessage) (string, error)
}

// DefaultResponder answers without a human: the question's default, or its
// first option.
type DefaultResponder struct{}

// Answer implements Responder.
func (DefaultResponder) Answer(_ context.Context, _ engine.SessionRequest, q *protocol.QuestionMessage) (string, error) {
	switch {
	case q.Default != "":
		return q.Default, nil
	case len(q.Options) > 0:
		return q.Options[0], nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoAnswer, q.Prompt)
}

// TerminalResponder asks the operator on a terminal. Questions from parallel
// sessions are asked one at a time.
type TerminalResponder struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalResponder creates a responder reading answers from in.
func NewTerminalResponder(in io.Reader, out io.Writer) *TerminalResponder {
	return &TerminalResponder{in: bufio.NewReader(in), out: out}
}

// Answer prints the question and reads one line. A number picks an option and
// an empty line picks the default.
func (t *TerminalResponder) Answer(ctx context.Context, req engine.SessionRequest, q *protocol.QuestionMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n[%s/%s] %s\n", req.ItemID, req.Phase, q.Prompt)
	for i, opt := range q.Options {
		fmt.Fprintf(t.out, "  %d) %s\n", i+1, opt)
	}
	if q.Default != "" {
		fmt.Fprintf(t.out, "(default: %s)\n", q.Default)
	}
	fmt.Fprint(t.out, "> ")

	type line struct {
		text string
		err  error
	}
	read := make(chan line, 1)
	go func() {
		text, err := t.in.ReadString('\n')
		read <- line{text: text, err: err}
	}()

	var l line
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l = <-read:
	}
	if l.err != nil && (l.err != io.EOF || l.text == "") {
		if q.Default != "" {
			return q.Default, nil
		}
		return "", fmt.Errorf("%w: %v", ErrNoAnswer, l.err)
	}

	answer := strings.TrimSpace(l.text)
	if answer == "" {
		if q.Default == "" {
			return "", fmt.Errorf("%w: %s", ErrNoAnswer, q.Prompt)
		}
		return q.Default, nil
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(q.Options) {
		return q.Options[n-1], nil
	}
	return answer, nil
}
