package openairt

import (
	"encoding/base64"
	"encoding/json"

	"github.com/vango-go/vai-bridge/pkg/backend"
)

// serverEvent is the superset of fields across the provider event types we
// care about; Type selects which are meaningful.
type serverEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// decodeEvent maps one provider frame onto the backend event union. Unknown
// event types are dropped; the provider emits many bookkeeping events the
// bridge has no use for.
func decodeEvent(data []byte) (backend.RealtimeEvent, bool) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false
	}

	switch ev.Type {
	case "session.updated":
		return backend.SessionUpdatedEvent{}, true

	case "input_audio_buffer.speech_started":
		return backend.SpeechStartedEvent{}, true

	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, false
		}
		return backend.AudioDeltaEvent{ResponseID: ev.ResponseID, Audio: audio}, true

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if ev.Arguments != "" {
			if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		return backend.FunctionCallDoneEvent{
			ResponseID: ev.ResponseID,
			Call:       backend.ToolCall{ID: ev.CallID, Name: ev.Name, Arguments: args},
		}, true

	case "response.audio_transcript.delta":
		return backend.AudioTranscriptDeltaEvent{Role: "agent", Text: ev.Delta}, true

	case "response.audio_transcript.done":
		return backend.AudioTranscriptDoneEvent{Role: "agent", Text: ev.Transcript}, true

	case "conversation.item.input_audio_transcription.completed":
		return backend.AudioTranscriptDoneEvent{Role: "user", Text: ev.Transcript}, true

	case "response.done":
		return backend.ResponseDoneEvent{ResponseID: ev.Response.ID}, true

	case "error":
		return backend.RealtimeErrorEvent{Message: ev.Error.Message}, true
	}
	return nil, false
}
