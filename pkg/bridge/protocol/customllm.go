package protocol

import (
	"encoding/json"
	"strings"
)

// Inbound interaction types on the custom-LLM socket.
const (
	InteractionPingPong         = "ping_pong"
	InteractionCallDetails      = "call_details"
	InteractionResponseRequired = "response_required"
	InteractionReminderRequired = "reminder_required"
	InteractionUpdateOnly       = "update_only"
)

// Outbound response types on the custom-LLM socket.
const (
	ResponseTypeConfig   = "config"
	ResponseTypePingPong = "ping_pong"
	ResponseTypeResponse = "response"
)

// TranscriptTurn is one provider-side transcript entry. Role is "agent" or
// "user".
type TranscriptTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Inbound is the tagged union of decoded custom-LLM messages.
type Inbound interface {
	InteractionType() string
}

// PingPong is the provider's liveness probe. The timestamp must be echoed
// back unchanged.
type PingPong struct {
	Timestamp int64 `json:"timestamp"`
}

func (PingPong) InteractionType() string { return InteractionPingPong }

// CallInfo is the provider-assigned call metadata delivered mid-session.
type CallInfo struct {
	CallID     string         `json:"call_id"`
	AgentID    string         `json:"agent_id,omitempty"`
	FromNumber string         `json:"from_number,omitempty"`
	ToNumber   string         `json:"to_number,omitempty"`
	Direction  string         `json:"direction,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CallDetails announces call metadata and unlocks the first agent turn.
type CallDetails struct {
	Call CallInfo `json:"call"`
}

func (CallDetails) InteractionType() string { return InteractionCallDetails }

// ResponseRequired asks for a new agent turn over the given transcript.
type ResponseRequired struct {
	ResponseID int              `json:"response_id"`
	Transcript []TranscriptTurn `json:"transcript"`
}

func (ResponseRequired) InteractionType() string { return InteractionResponseRequired }

// ReminderRequired asks for a short re-engagement utterance after caller
// silence. It advances the response id like a normal turn.
type ReminderRequired struct {
	ResponseID int              `json:"response_id"`
	Transcript []TranscriptTurn `json:"transcript"`
}

func (ReminderRequired) InteractionType() string { return InteractionReminderRequired }

// TranscriptUpdate is a passive transcript refresh; no response is expected.
type TranscriptUpdate struct {
	Transcript []TranscriptTurn `json:"transcript"`
}

func (TranscriptUpdate) InteractionType() string { return InteractionUpdateOnly }

// DecodeInbound decodes one custom-LLM frame into its typed message.
func DecodeInbound(data []byte) (Inbound, error) {
	var envelope struct {
		InteractionType string `json:"interaction_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.InteractionType)
	if typ == "" {
		return nil, badFrame("missing interaction_type", "interaction_type")
	}

	switch typ {
	case InteractionPingPong:
		var msg PingPong
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid ping_pong frame", "")
		}
		return msg, nil
	case InteractionCallDetails:
		var msg CallDetails
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid call_details frame", "")
		}
		return msg, nil
	case InteractionResponseRequired:
		var msg ResponseRequired
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid response_required frame", "")
		}
		if msg.ResponseID < 0 {
			return nil, badFrame("response_id must be >= 0", "response_id")
		}
		return msg, nil
	case InteractionReminderRequired:
		var msg ReminderRequired
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid reminder_required frame", "")
		}
		if msg.ResponseID < 0 {
			return nil, badFrame("response_id must be >= 0", "response_id")
		}
		return msg, nil
	case InteractionUpdateOnly:
		var msg TranscriptUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid update_only frame", "")
		}
		return msg, nil
	default:
		return nil, unsupportedFrame("unsupported interaction_type", "interaction_type")
	}
}

// ConfigOptions is the handshake payload sent right after accept.
type ConfigOptions struct {
	AutoReconnect bool `json:"auto_reconnect"`
	CallDetails   bool `json:"call_details"`
}

type configMessage struct {
	ResponseType string        `json:"response_type"`
	Config       ConfigOptions `json:"config"`
}

type pongMessage struct {
	ResponseType string `json:"response_type"`
	Timestamp    int64  `json:"timestamp"`
}

// Response is one outbound agent frame. Content may be empty for keepalives
// and final completion markers.
type Response struct {
	ResponseType    string `json:"response_type"`
	ResponseID      int    `json:"response_id"`
	Content         string `json:"content"`
	ContentComplete bool   `json:"content_complete"`
	EndCall         bool   `json:"end_call,omitempty"`
	TransferNumber  string `json:"transfer_number,omitempty"`
}

// EncodeConfig serializes the protocol handshake frame.
func EncodeConfig(opts ConfigOptions) ([]byte, error) {
	return json.Marshal(configMessage{ResponseType: ResponseTypeConfig, Config: opts})
}

// EncodePong serializes a pong carrying the probe's original timestamp.
func EncodePong(timestamp int64) ([]byte, error) {
	return json.Marshal(pongMessage{ResponseType: ResponseTypePingPong, Timestamp: timestamp})
}

// EncodeResponse serializes an agent response frame.
func EncodeResponse(resp Response) ([]byte, error) {
	resp.ResponseType = ResponseTypeResponse
	return json.Marshal(resp)
}
