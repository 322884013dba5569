package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Dialect selects the telephony provider's media-stream envelope naming.
// The two dialects are structurally equivalent; only identifier fields and
// casing differ.
type Dialect string

const (
	DialectTwilio Dialect = "twilio"
	DialectTelnyx Dialect = "telnyx"
)

// Media-stream event names, shared by both dialects.
const (
	MediaEventConnected = "connected"
	MediaEventStart     = "start"
	MediaEventMedia     = "media"
	MediaEventStop      = "stop"
	MediaEventMark      = "mark"
)

// MediaInbound is the tagged union of decoded media-stream messages.
type MediaInbound interface {
	MediaEvent() string
}

// MediaConnected is the first frame after the socket opens.
type MediaConnected struct{}

func (MediaConnected) MediaEvent() string { return MediaEventConnected }

// MediaFormat describes the negotiated audio shape of the stream.
type MediaFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// MediaStart announces the provider-assigned stream and call identifiers.
// Outbound media must echo StreamID exactly.
type MediaStart struct {
	StreamID         string
	CallID           string
	Format           MediaFormat
	CustomParameters map[string]string
}

func (MediaStart) MediaEvent() string { return MediaEventStart }

// MediaChunk carries one decoded inbound audio frame.
type MediaChunk struct {
	Audio []byte
}

func (MediaChunk) MediaEvent() string { return MediaEventMedia }

// MediaStop signals the provider closed the stream.
type MediaStop struct{}

func (MediaStop) MediaEvent() string { return MediaEventStop }

// MediaMark echoes a playback checkpoint previously sent by us.
type MediaMark struct {
	Name string
}

func (MediaMark) MediaEvent() string { return MediaEventMark }

type twilioEnvelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type telnyxEnvelope struct {
	Event string `json:"event"`
	Start *struct {
		StreamID      string `json:"stream_id"`
		CallControlID string `json:"call_control_id"`
		MediaFormat   struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"media_format"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// DecodeMediaInbound decodes one media-stream frame for the given dialect.
func DecodeMediaInbound(dialect Dialect, data []byte) (MediaInbound, error) {
	switch dialect {
	case DialectTwilio:
		return decodeTwilio(data)
	case DialectTelnyx:
		return decodeTelnyx(data)
	default:
		return nil, unsupportedFrame("unsupported media dialect", "dialect")
	}
}

func decodeTwilio(data []byte) (MediaInbound, error) {
	var env twilioEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	switch strings.TrimSpace(env.Event) {
	case MediaEventConnected:
		return MediaConnected{}, nil
	case MediaEventStart:
		if env.Start == nil || strings.TrimSpace(env.Start.StreamSID) == "" {
			return nil, badFrame("start.streamSid is required", "start.streamSid")
		}
		return MediaStart{
			StreamID:         env.Start.StreamSID,
			CallID:           env.Start.CallSID,
			CustomParameters: env.Start.CustomParameters,
			Format: MediaFormat{
				Encoding:   env.Start.MediaFormat.Encoding,
				SampleRate: env.Start.MediaFormat.SampleRate,
				Channels:   env.Start.MediaFormat.Channels,
			},
		}, nil
	case MediaEventMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return nil, badFrame("media.payload is required", "media.payload")
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, badFrame("media.payload is not valid base64", "media.payload")
		}
		return MediaChunk{Audio: audio}, nil
	case MediaEventStop:
		return MediaStop{}, nil
	case MediaEventMark:
		name := ""
		if env.Mark != nil {
			name = env.Mark.Name
		}
		return MediaMark{Name: name}, nil
	case "":
		return nil, badFrame("missing event", "event")
	default:
		return nil, unsupportedFrame("unsupported media event", "event")
	}
}

func decodeTelnyx(data []byte) (MediaInbound, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	switch strings.TrimSpace(env.Event) {
	case MediaEventConnected:
		return MediaConnected{}, nil
	case MediaEventStart:
		if env.Start == nil || strings.TrimSpace(env.Start.StreamID) == "" {
			return nil, badFrame("start.stream_id is required", "start.stream_id")
		}
		return MediaStart{
			StreamID: env.Start.StreamID,
			CallID:   env.Start.CallControlID,
			Format: MediaFormat{
				Encoding:   env.Start.MediaFormat.Encoding,
				SampleRate: env.Start.MediaFormat.SampleRate,
				Channels:   env.Start.MediaFormat.Channels,
			},
		}, nil
	case MediaEventMedia:
		if env.Media == nil || env.Media.Payload == "" {
			return nil, badFrame("media.payload is required", "media.payload")
		}
		audio, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, badFrame("media.payload is not valid base64", "media.payload")
		}
		return MediaChunk{Audio: audio}, nil
	case MediaEventStop:
		return MediaStop{}, nil
	case MediaEventMark:
		name := ""
		if env.Mark != nil {
			name = env.Mark.Name
		}
		return MediaMark{Name: name}, nil
	case "":
		return nil, badFrame("missing event", "event")
	default:
		return nil, unsupportedFrame("unsupported media event", "event")
	}
}

type twilioOutbound struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type telnyxOutbound struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id"`
	Media    *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// EncodeMedia wraps raw audio in the dialect's outbound media envelope,
// echoing the stream identifier learned from the start event.
func EncodeMedia(dialect Dialect, streamID string, audio []byte) ([]byte, error) {
	payload := base64.StdEncoding.EncodeToString(audio)
	switch dialect {
	case DialectTwilio:
		out := twilioOutbound{Event: MediaEventMedia, StreamSID: streamID}
		out.Media = &struct {
			Payload string `json:"payload"`
		}{Payload: payload}
		return json.Marshal(out)
	case DialectTelnyx:
		out := telnyxOutbound{Event: MediaEventMedia, StreamID: streamID}
		out.Media = &struct {
			Payload string `json:"payload"`
		}{Payload: payload}
		return json.Marshal(out)
	default:
		return nil, unsupportedFrame("unsupported media dialect", "dialect")
	}
}

// EncodeClear tells the provider to drop any buffered outbound audio. Sent on
// barge-in so stale speech stops immediately.
func EncodeClear(dialect Dialect, streamID string) ([]byte, error) {
	switch dialect {
	case DialectTwilio:
		return json.Marshal(twilioOutbound{Event: "clear", StreamSID: streamID})
	case DialectTelnyx:
		return json.Marshal(telnyxOutbound{Event: "clear", StreamID: streamID})
	default:
		return nil, unsupportedFrame("unsupported media dialect", "dialect")
	}
}

// EncodeMark requests a playback checkpoint notification under the given name.
func EncodeMark(dialect Dialect, streamID, name string) ([]byte, error) {
	mark := &struct {
		Name string `json:"name"`
	}{Name: name}
	switch dialect {
	case DialectTwilio:
		return json.Marshal(twilioOutbound{Event: MediaEventMark, StreamSID: streamID, Mark: mark})
	case DialectTelnyx:
		return json.Marshal(telnyxOutbound{Event: MediaEventMark, StreamID: streamID, Mark: mark})
	default:
		return nil, unsupportedFrame("unsupported media dialect", "dialect")
	}
}
