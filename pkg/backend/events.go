package backend

// Event is the closed union of text-generation stream events.
type Event interface {
	EventKind() string
}

// TextDeltaEvent carries an incremental chunk of assistant text.
type TextDeltaEvent struct {
	Text string
}

func (TextDeltaEvent) EventKind() string { return "text_delta" }

// ToolUseEvent carries a fully-accumulated tool call.
type ToolUseEvent struct {
	Call ToolCall
}

func (ToolUseEvent) EventKind() string { return "tool_use" }

// MessageEndEvent signals that the turn's generation is complete.
type MessageEndEvent struct{}

func (MessageEndEvent) EventKind() string { return "message_end" }

// ErrorEvent carries a backend failure. The stream ends after it.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) EventKind() string { return "error" }

// RealtimeEvent is the closed union of realtime audio session events.
type RealtimeEvent interface {
	RealtimeKind() string
}

// SessionUpdatedEvent confirms the backend accepted the session config.
type SessionUpdatedEvent struct{}

func (SessionUpdatedEvent) RealtimeKind() string { return "session.updated" }

// AudioDeltaEvent carries a chunk of generated output audio.
type AudioDeltaEvent struct {
	ResponseID string
	Audio      []byte
}

func (AudioDeltaEvent) RealtimeKind() string { return "response.audio.delta" }

// FunctionCallDoneEvent carries a completed tool call with parsed arguments.
type FunctionCallDoneEvent struct {
	ResponseID string
	Call       ToolCall
}

func (FunctionCallDoneEvent) RealtimeKind() string { return "response.function_call_arguments.done" }

// AudioTranscriptDeltaEvent carries incremental transcription text for either
// direction. Role is "agent" or "user".
type AudioTranscriptDeltaEvent struct {
	Role string
	Text string
}

func (AudioTranscriptDeltaEvent) RealtimeKind() string { return "response.audio_transcript.delta" }

// AudioTranscriptDoneEvent carries the final transcription of one utterance.
type AudioTranscriptDoneEvent struct {
	Role string
	Text string
}

func (AudioTranscriptDoneEvent) RealtimeKind() string { return "response.audio_transcript.done" }

// SpeechStartedEvent signals that the caller started speaking over the
// agent; buffered outbound audio should be flushed (barge-in).
type SpeechStartedEvent struct{}

func (SpeechStartedEvent) RealtimeKind() string { return "input_audio_buffer.speech_started" }

// ResponseDoneEvent signals the end of one model response.
type ResponseDoneEvent struct {
	ResponseID string
}

func (ResponseDoneEvent) RealtimeKind() string { return "response.done" }

// RealtimeErrorEvent carries a backend-reported error.
type RealtimeErrorEvent struct {
	Message string
}

func (RealtimeErrorEvent) RealtimeKind() string { return "error" }
