package openairt

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/backend"
)

type fakeWSConn struct {
	in     chan []byte
	writes chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeWSConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeWSConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.writes <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *fakeWSConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeWSConn) lastWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.writes:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("write not json: %v (%s)", err, data)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no frame written")
		return nil
	}
}

func newTestSession(conn wsConn) *Session {
	return &Session{
		conn:   conn,
		events: make(chan backend.RealtimeEvent, 2),
		done:   make(chan struct{}),
	}
}

func TestSession_CloseUnblocksReadPump(t *testing.T) {
	conn := newFakeWSConn()
	sess := newTestSession(conn)

	exited := make(chan struct{})
	go func() {
		sess.readLoop()
		close(exited)
	}()

	// Nobody drains events; the pump fills the buffer and parks on the send.
	for i := 0; i < 5; i++ {
		conn.in <- []byte(`{"type":"input_audio_buffer.speech_started"}`)
	}
	deadline := time.Now().Add(time.Second)
	for len(sess.events) < cap(sess.events) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatalf("read pump stayed blocked after close")
	}
}

func TestSessionUpdate_TranscriptionLanguage(t *testing.T) {
	conn := newFakeWSConn()
	sess := newTestSession(conn)

	err := sess.sendSessionUpdate(backend.RealtimeConfig{
		Instructions:      "Be brief.",
		Voice:             "alloy",
		Language:          "de",
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		Transcription:     true,
	})
	if err != nil {
		t.Fatalf("sendSessionUpdate: %v", err)
	}

	msg := conn.lastWrite(t)
	if msg["type"] != "session.update" {
		t.Fatalf("msg=%v", msg)
	}
	inner, _ := msg["session"].(map[string]any)
	transcription, _ := inner["input_audio_transcription"].(map[string]any)
	if transcription["model"] != "whisper-1" || transcription["language"] != "de" {
		t.Fatalf("transcription=%v", transcription)
	}

	// Without a language hint the field is omitted for auto-detection.
	if err := sess.sendSessionUpdate(backend.RealtimeConfig{Transcription: true}); err != nil {
		t.Fatalf("sendSessionUpdate: %v", err)
	}
	msg = conn.lastWrite(t)
	inner, _ = msg["session"].(map[string]any)
	transcription, _ = inner["input_audio_transcription"].(map[string]any)
	if _, ok := transcription["language"]; ok {
		t.Fatalf("language must be omitted when unset: %v", transcription)
	}
}
