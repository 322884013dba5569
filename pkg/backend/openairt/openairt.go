// Package openairt implements the realtime audio backend over the OpenAI
// Realtime WebSocket API. One Session wraps one provider connection; events
// are decoded on a read pump and delivered over a channel until the socket
// closes.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/backend"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview"
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Dialer  *websocket.Dialer
}

type Backend struct {
	cfg    Config
	dialer *websocket.Dialer
}

func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Backend{cfg: cfg, dialer: dialer}, nil
}

// Connect dials the realtime endpoint, pushes the session configuration, and
// starts the read pump.
func (b *Backend) Connect(ctx context.Context, cfg backend.RealtimeConfig) (backend.RealtimeSession, error) {
	model := cfg.Model
	if model == "" {
		model = b.cfg.Model
	}
	endpoint := b.cfg.BaseURL + "?model=" + url.QueryEscape(model)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := b.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	sess := &Session{
		conn:   conn,
		events: make(chan backend.RealtimeEvent, 64),
		done:   make(chan struct{}),
	}
	if err := sess.sendSessionUpdate(cfg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("session.update: %w", err)
	}
	go sess.readLoop()
	return sess, nil
}

// wsConn is the connection surface a Session needs. A gorilla
// *websocket.Conn satisfies it.
type wsConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one live realtime connection. Writes are serialized with a
// mutex; the websocket allows a single concurrent writer. done unblocks the
// read pump if the consumer stops draining events before Close.
type Session struct {
	conn   wsConn
	events chan backend.RealtimeEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *Session) sendSessionUpdate(cfg backend.RealtimeConfig) error {
	session := map[string]any{
		"modalities":          []string{"audio", "text"},
		"instructions":        cfg.Instructions,
		"input_audio_format":  cfg.InputAudioFormat,
		"output_audio_format": cfg.OutputAudioFormat,
		"turn_detection":      map[string]any{"type": "server_vad"},
	}
	if cfg.Voice != "" {
		session["voice"] = cfg.Voice
	}
	if cfg.Temperature > 0 {
		session["temperature"] = cfg.Temperature
	}
	if cfg.Transcription {
		transcription := map[string]any{"model": "whisper-1"}
		if cfg.Language != "" {
			transcription["language"] = cfg.Language
		}
		session["input_audio_transcription"] = transcription
	}
	if len(cfg.Tools) > 0 {
		tools := make([]map[string]any, 0, len(cfg.Tools))
		for _, def := range cfg.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        def.Name,
				"description": def.Description,
				"parameters":  def.Parameters,
			})
		}
		session["tools"] = tools
	}
	return s.send(map[string]any{"type": "session.update", "session": session})
}

// AppendAudio forwards one chunk of caller audio to the input buffer.
func (s *Session) AppendAudio(data []byte) error {
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Session) CreateResponse() error {
	return s.send(map[string]any{"type": "response.create"})
}

// SpeakText asks the model to voice a fixed sentence verbatim by overriding
// the response instructions.
func (s *Session) SpeakText(text string) error {
	return s.send(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"modalities":   []string{"audio", "text"},
			"instructions": "Say exactly the following, with nothing added or removed: " + text,
		},
	})
}

func (s *Session) SendToolResult(callID, output string) error {
	return s.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func (s *Session) Events() <-chan backend.RealtimeEvent {
	return s.events
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) send(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := decodeEvent(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}
