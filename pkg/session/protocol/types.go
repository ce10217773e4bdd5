// Package protocol defines the JSON-lines protocol spoken between specflow
// and an agent process over stdio.
//
// specflow writes one SESSION message after starting the agent. The agent
// answers with any number of EVENT and QUESTION messages and finishes with
// exactly one RESULT or ERROR. Every QUESTION is answered with an ANSWER
// before the agent may continue.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady is an optional greeting sent by the agent on startup
	MessageTypeReady MessageType = "READY"
	// MessageTypeSession starts a session
	MessageTypeSession MessageType = "SESSION"
	// MessageTypeEvent carries progress output from the agent
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeQuestion asks the operator for input
	MessageTypeQuestion MessageType = "QUESTION"
	// MessageTypeAnswer carries the operator's reply
	MessageTypeAnswer MessageType = "ANSWER"
	// MessageTypeResult carries the session result
	MessageTypeResult MessageType = "RESULT"
	// MessageTypeError indicates the session could not complete
	MessageTypeError MessageType = "ERROR"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the agent is ready to receive a session.
type ReadyMessage struct {
	Version      string            `json:"version"`
	PID          int               `json:"pid"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SessionMessage describes the unit of work.
type SessionMessage struct {
	ID                  string          `json:"id"`
	ItemID              string          `json:"item_id"`
	Phase               string          `json:"phase"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	WorkingContext      string          `json:"working_context,omitempty"`
	Model               string          `json:"model,omitempty"`
	AllowedCapabilities []string        `json:"allowed_capabilities,omitempty"`
	Timeout             int             `json:"timeout,omitempty"` // seconds
}

// EventMessage contains progress information during a session.
type EventMessage struct {
	SessionID string            `json:"session_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// QuestionMessage asks the operator a question.
type QuestionMessage struct {
	SessionID string   `json:"session_id"`
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	Options   []string `json:"options,omitempty"`
	Default   string   `json:"default,omitempty"`
}

// AnswerMessage answers a QuestionMessage.
type AnswerMessage struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// ResultMessage carries the session result. Result is decoded by the caller.
type ResultMessage struct {
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage indicates the session failed.
type ErrorMessage struct {
	SessionID  string            `json:"session_id,omitempty"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Retryable  bool              `json:"retryable"`
	RetryAfter int               `json:"retry_after,omitempty"` // seconds
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeSession, MessageTypeEvent, MessageTypeQuestion,
		MessageTypeAnswer, MessageTypeResult, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the session message is valid.
func (s *SessionMessage) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if s.ItemID == "" {
		return fmt.Errorf("item ID is required")
	}
	if s.Phase == "" {
		return fmt.Errorf("phase is required")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	validLevels := map[string]bool{"info": true, "warn": true, "debug": true}
	if !validLevels[evt.Level] {
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// Validate checks if the question is valid.
func (q *QuestionMessage) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("question ID is required")
	}
	if q.Prompt == "" {
		return fmt.Errorf("question prompt is required")
	}
	return nil
}
