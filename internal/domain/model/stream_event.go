package model

import (
	"encoding/json"
	"time"
)

type StreamEventKind string

const (
	StreamEventProgress StreamEventKind = "progress"
	StreamEventMessage  StreamEventKind = "message"
	StreamEventDone     StreamEventKind = "done"
	StreamEventError    StreamEventKind = "error"
)

// Terminal reports whether the event ends a stream.
func (k StreamEventKind) Terminal() bool {
	return k == StreamEventDone || k == StreamEventError
}

// StreamEvent is one server-push frame for a job. ID and Seq are assigned by the dispatcher.
type StreamEvent struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	Seq       int64           `json:"seq"`
	Kind      StreamEventKind `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type ProgressData struct {
	Stage string `json:"stage"`
}

type MessageData struct {
	Delta string `json:"delta"`
}

type DoneData struct {
	Summary          string `json:"summary"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"promptTokens,omitempty"`
	CompletionTokens int    `json:"completionTokens,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// NewStreamEvent marshals data into an event of the given kind.
func NewStreamEvent(kind StreamEventKind, data any) StreamEvent {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(ErrorData{Message: "unencodable event payload"})
		kind = StreamEventError
	}
	return StreamEvent{Kind: kind, Data: raw}
}
