// Package backend defines the contracts between the session bridge and the
// AI backends that generate agent responses: a streaming text backend for the
// custom-LLM transport and a realtime audio backend for telephony media
// streams. Both surfaces expose their heterogeneous provider events as closed
// unions dispatched by type switch.
package backend

import "context"

// ToolCall is a single tool invocation requested by the model. Calls are
// always scoped to the turn that produced them.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes a callable tool in the shape providers expect:
// a JSON-schema object for the parameters.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolOutput carries a finished tool result back into a continuation request.
type ToolOutput struct {
	CallID string
	Name   string
	Output string
}

// Turn is one transcript entry. Role is "agent" or "user".
type Turn struct {
	Role    string
	Content string
}

// Request describes one generation turn. When ToolCalls and ToolOutputs are
// set, the request is a continuation: the backend replays the assistant's
// tool calls followed by their outputs before generating.
type Request struct {
	System          string
	Turns           []Turn
	Tools           []ToolDefinition
	AssistantPrefix string
	ToolCalls       []ToolCall
	ToolOutputs     []ToolOutput
	Temperature     float64
	MaxTokens       int
}

// Stream yields generation events in order. Next returns io.EOF after the
// final event; Close releases the underlying connection and is safe to call
// more than once.
type Stream interface {
	Next() (Event, error)
	Close() error
}

// TextBackend produces a restartable-per-turn event stream for one request.
type TextBackend interface {
	StreamResponse(ctx context.Context, req Request) (Stream, error)
}

// RealtimeConfig configures a realtime audio session. Language is an ISO-639-1
// hint for input transcription; empty means auto-detect.
type RealtimeConfig struct {
	Model             string
	Instructions      string
	Voice             string
	Language          string
	Temperature       float64
	InputAudioFormat  string
	OutputAudioFormat string
	Tools             []ToolDefinition
	Transcription     bool
}

// RealtimeSession is a live bidirectional audio session with the backend.
// Events delivers the backend's event stream until the session closes.
// SpeakText forces the agent to speak a fixed sentence verbatim.
type RealtimeSession interface {
	AppendAudio(data []byte) error
	CreateResponse() error
	SpeakText(text string) error
	SendToolResult(callID, output string) error
	Events() <-chan RealtimeEvent
	Close() error
}

// RealtimeBackend opens realtime audio sessions.
type RealtimeBackend interface {
	Connect(ctx context.Context, cfg RealtimeConfig) (RealtimeSession, error)
}
