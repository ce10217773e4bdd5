package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
		wantErr bool
	}{
		{
			name:    "encode session message",
			msgType: MessageTypeSession,
			data: &SessionMessage{
				ID:      "s-1",
				ItemID:  "auth",
				Phase:   "write-spec",
				Payload: json.RawMessage(`{"item":{"id":"auth"}}`),
				Timeout: 30,
			},
		},
		{
			name:    "encode question message",
			msgType: MessageTypeQuestion,
			data: &QuestionMessage{
				SessionID: "s-1",
				ID:        "q-1",
				Prompt:    "Use OAuth or sessions?",
				Options:   []string{"oauth", "sessions"},
			},
		},
		{
			name:    "encode answer message",
			msgType: MessageTypeAnswer,
			data:    &AnswerMessage{SessionID: "s-1", QuestionID: "q-1", Answer: "oauth"},
		},
		{
			name:    "encode error message",
			msgType: MessageTypeError,
			data: &ErrorMessage{
				SessionID: "s-1",
				Code:      "RATE_LIMITED",
				Message:   "slow down",
				Retryable: true,
			},
		},
		{
			name:    "invalid message type",
			msgType: MessageType("INVALID"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf)

			err := enc.Encode(tt.msgType, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("Encode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				line := strings.TrimSpace(buf.String())
				var msg Message
				if err := json.Unmarshal([]byte(line), &msg); err != nil {
					t.Errorf("Output is not valid JSON: %v", err)
				}
				if msg.Type != tt.msgType {
					t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
				}
			}
		})
	}
}

func TestEncoder_ValidatesBodies(t *testing.T) {
	enc := NewEncoder(io.Discard)

	if err := enc.EncodeSession(&SessionMessage{ID: "s-1"}); err == nil {
		t.Error("EncodeSession() accepted a session without item")
	}
	if err := enc.EncodeQuestion(&QuestionMessage{ID: "q-1"}); err == nil {
		t.Error("EncodeQuestion() accepted a question without prompt")
	}
	if err := enc.EncodeEvent(&EventMessage{SessionID: "s-1", Level: "loud"}); err == nil {
		t.Error("EncodeEvent() accepted an unknown level")
	}

	evt := &EventMessage{SessionID: "s-1", Message: "hello"}
	if err := enc.EncodeEvent(evt); err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	if evt.Level != "info" {
		t.Errorf("Level = %q, want info", evt.Level)
	}
}

func TestDecoder(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		msgType MessageType
	}{
		{
			name:    "decode result message",
			input:   `{"type":"RESULT","timestamp":"2024-01-01T00:00:00Z","data":{"session_id":"s-1","result":{"status":"success"}}}`,
			msgType: MessageTypeResult,
		},
		{
			name:    "decode question message",
			input:   `{"type":"QUESTION","timestamp":"2024-01-01T00:00:00Z","data":{"session_id":"s-1","id":"q-1","prompt":"?"}}`,
			msgType: MessageTypeQuestion,
		},
		{
			name:    "skips blank lines",
			input:   "\n\n" + `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{"session_id":"s-1","message":"hi"}}`,
			msgType: MessageTypeEvent,
		},
		{
			name:    "unknown type",
			input:   `{"type":"CMD","timestamp":"2024-01-01T00:00:00Z"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			input:   `{invalid json`,
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.input + "\n"))
			msg, err := dec.Decode()

			if (err != nil) != tt.wantErr {
				t.Errorf("Decode() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && msg.Type != tt.msgType {
				t.Errorf("Message type = %v, want %v", msg.Type, tt.msgType)
			}
		})
	}
}

func TestDecoder_EOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Decode() error = %v, want io.EOF", err)
	}
}

func TestRoundTrip_Session(t *testing.T) {
	var buf bytes.Buffer
	want := &SessionMessage{
		ID:                  "s-1",
		ItemID:              "billing",
		Phase:               "implement",
		Payload:             json.RawMessage(`{"findings":["use cents"]}`),
		AllowedCapabilities: []string{"edit", "shell"},
		Timeout:             60,
	}
	if err := NewEncoder(&buf).EncodeSession(want); err != nil {
		t.Fatalf("EncodeSession() error = %v", err)
	}

	got, err := NewDecoder(&buf).DecodeSession()
	if err != nil {
		t.Fatalf("DecodeSession() error = %v", err)
	}
	if got.ItemID != want.ItemID || got.Phase != want.Phase || got.Timeout != want.Timeout {
		t.Errorf("DecodeSession() = %+v, want %+v", got, want)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, want.Payload)
	}
	if len(got.AllowedCapabilities) != 2 {
		t.Errorf("AllowedCapabilities = %v", got.AllowedCapabilities)
	}
}

func TestDecodeSession_WrongType(t *testing.T) {
	input := `{"type":"EVENT","timestamp":"2024-01-01T00:00:00Z","data":{}}` + "\n"
	if _, err := NewDecoder(strings.NewReader(input)).DecodeSession(); err == nil {
		t.Error("DecodeSession() accepted an EVENT")
	}
}

func TestParseData(t *testing.T) {
	var q QuestionMessage
	if err := ParseData(json.RawMessage(`{"id":"q-1","prompt":"?","options":["a","b"]}`), &q); err != nil {
		t.Fatalf("ParseData() error = %v", err)
	}
	if q.ID != "q-1" || len(q.Options) != 2 {
		t.Errorf("ParseData() = %+v", q)
	}
	if err := ParseData(json.RawMessage(`{invalid}`), &q); err == nil {
		t.Error("ParseData() accepted invalid JSON")
	}
}
