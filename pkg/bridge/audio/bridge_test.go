package audio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-bridge/pkg/backend"
	"github.com/vango-go/vai-bridge/pkg/bridge/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/record"
	"github.com/vango-go/vai-bridge/pkg/tools"
)

type fakeConn struct {
	in     chan []byte
	writes chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	readLimit int64
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		writes: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.writes <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetReadLimit(limit int64) {
	c.mu.Lock()
	c.readLimit = limit
	c.mu.Unlock()
}

func (c *fakeConn) limit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLimit
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, raw string) {
	t.Helper()
	select {
	case c.in <- []byte(raw):
	case <-time.After(time.Second):
		t.Fatalf("timed out feeding media frame")
	}
}

func (c *fakeConn) waitFrame(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.writes:
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("outbound frame not json: %v (%s)", err, data)
			}
			if match(frame) {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound media frame")
			return nil
		}
	}
}

// fakeRealtime is an in-memory realtime backend: the test pushes events and
// records everything the bridge asks the session to do.
type fakeRealtime struct {
	mu       sync.Mutex
	session  *fakeRealtimeSession
	lastCfg  backend.RealtimeConfig
	connects int
}

func (f *fakeRealtime) Connect(_ context.Context, cfg backend.RealtimeConfig) (backend.RealtimeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.lastCfg = cfg
	f.session = &fakeRealtimeSession{events: make(chan backend.RealtimeEvent, 64)}
	return f.session, nil
}

func (f *fakeRealtime) lastConfig() backend.RealtimeConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCfg
}

type fakeRealtimeSession struct {
	events chan backend.RealtimeEvent

	mu          sync.Mutex
	audio       [][]byte
	spoken      []string
	toolResults []string
	responses   int
	closed      bool
}

func (s *fakeRealtimeSession) AppendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, append([]byte(nil), data...))
	return nil
}

func (s *fakeRealtimeSession) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses++
	return nil
}

func (s *fakeRealtimeSession) SpeakText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeRealtimeSession) SendToolResult(callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolResults = append(s.toolResults, callID+"="+output)
	return nil
}

func (s *fakeRealtimeSession) Events() <-chan backend.RealtimeEvent { return s.events }

func (s *fakeRealtimeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeRealtimeSession) push(t *testing.T, ev backend.RealtimeEvent) {
	t.Helper()
	select {
	case s.events <- ev:
	case <-time.After(time.Second):
		t.Fatalf("timed out pushing realtime event")
	}
}

func (s *fakeRealtimeSession) spokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

func (s *fakeRealtimeSession) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func (s *fakeRealtimeSession) toolResultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.toolResults)
}

type captureSink struct {
	mu      sync.Mutex
	records []record.CallRecord
}

func (c *captureSink) Persist(_ context.Context, rec record.CallRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

type audioHarness struct {
	conn     *fakeConn
	realtime *fakeRealtime
	sink     *captureSink
	bridge   *Bridge
	done     chan struct{}
}

func startBridge(t *testing.T, agent session.AgentConfig, registry *tools.Registry, dialect protocol.Dialect) *audioHarness {
	t.Helper()
	conn := newFakeConn()
	rt := &fakeRealtime{}
	sink := &captureSink{}
	if registry == nil {
		registry = tools.NewRegistry()
	}

	bridge, err := New(Dependencies{
		Conn:      conn,
		Realtime:  rt,
		Tools:     registry,
		Recorder:  sink,
		Agent:     agent,
		Dialect:   dialect,
		SessionID: "media-test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h := &audioHarness{conn: conn, realtime: rt, sink: sink, bridge: bridge, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = bridge.Run()
	}()
	t.Cleanup(func() {
		bridge.Cancel()
		h.waitDone(t)
	})
	return h
}

func (h *audioHarness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge did not shut down")
	}
}

// start feeds the start frame and waits for the realtime connection.
func (h *audioHarness) start(t *testing.T) *fakeRealtimeSession {
	t.Helper()
	h.conn.send(t, `{"event":"connected"}`)
	h.conn.send(t, `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.realtime.mu.Lock()
		sess := h.realtime.session
		h.realtime.mu.Unlock()
		if sess != nil {
			return sess
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("realtime session never connected")
	return nil
}

func TestBridge_StartConnectsAndGreets(t *testing.T) {
	agent := session.AgentConfig{
		Greeting:      "Hi, thanks for calling!",
		Language:      "es",
		MaxMediaBytes: 512 * 1024,
	}
	h := startBridge(t, agent, nil, protocol.DialectTwilio)
	sess := h.start(t)

	cfg := h.realtime.lastConfig()
	if cfg.InputAudioFormat != "g711_ulaw" || cfg.OutputAudioFormat != "g711_ulaw" {
		t.Fatalf("formats=%+v", cfg)
	}
	if !cfg.Transcription {
		t.Fatalf("transcription should be enabled")
	}
	if cfg.Language != "es" {
		t.Fatalf("language=%q, want es", cfg.Language)
	}
	if got := h.conn.limit(); got != 512*1024 {
		t.Fatalf("read limit=%d, want %d", got, 512*1024)
	}

	spoken := sess.spokenTexts()
	if len(spoken) != 1 || spoken[0] != "Hi, thanks for calling!" {
		t.Fatalf("spoken=%v", spoken)
	}
}

func TestBridge_ForwardsCallerAudio(t *testing.T) {
	h := startBridge(t, session.AgentConfig{}, nil, protocol.DialectTwilio)
	sess := h.start(t)

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	h.conn.send(t, `{"event":"media","media":{"payload":"`+payload+`"}}`)

	deadline := time.Now().Add(time.Second)
	for sess.audioCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sess.audioCount() != 1 {
		t.Fatalf("audio frames=%d, want 1", sess.audioCount())
	}
}

func TestBridge_GeneratedAudioEchoesStreamID(t *testing.T) {
	h := startBridge(t, session.AgentConfig{}, nil, protocol.DialectTwilio)
	sess := h.start(t)

	audio := []byte{9, 8, 7}
	sess.push(t, backend.AudioDeltaEvent{ResponseID: "r1", Audio: audio})

	frame := h.conn.waitFrame(t, func(f map[string]any) bool {
		return f["event"] == "media"
	})
	if frame["streamSid"] != "MZ1" {
		t.Fatalf("frame=%v", frame)
	}
	media, _ := frame["media"].(map[string]any)
	if media["payload"] != base64.StdEncoding.EncodeToString(audio) {
		t.Fatalf("payload=%v", media["payload"])
	}
}

func TestBridge_BargeInSendsClear(t *testing.T) {
	h := startBridge(t, session.AgentConfig{}, nil, protocol.DialectTwilio)
	sess := h.start(t)

	sess.push(t, backend.SpeechStartedEvent{})

	frame := h.conn.waitFrame(t, func(f map[string]any) bool {
		return f["event"] == "clear"
	})
	if frame["streamSid"] != "MZ1" {
		t.Fatalf("clear frame=%v", frame)
	}
}

func TestBridge_ToolBatchRoundTrip(t *testing.T) {
	tool := tools.NewRegistry()
	executed := make(chan struct{}, 1)
	tool.Register(markerTool{name: "lookup", executed: executed})

	h := startBridge(t, session.AgentConfig{}, tool, protocol.DialectTwilio)
	sess := h.start(t)

	sess.push(t, backend.FunctionCallDoneEvent{
		ResponseID: "r1",
		Call:       backend.ToolCall{ID: "t1", Name: "lookup", Arguments: map[string]any{"q": "hours"}},
	})
	sess.push(t, backend.ResponseDoneEvent{ResponseID: "r1"})

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Fatalf("tool never executed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		results, responses := len(sess.toolResults), sess.responses
		sess.mu.Unlock()
		if results == 1 && responses == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("tool results=%d, want 1 result and 1 continuation response", sess.toolResultCount())
}

func TestBridge_RecursionCapSpeaksFallback(t *testing.T) {
	registry := tools.NewRegistry()
	executed := make(chan struct{}, 4)
	registry.Register(markerTool{name: "lookup", executed: executed})

	agent := session.AgentConfig{MaxRecursiveDepth: 1}
	h := startBridge(t, agent, registry, protocol.DialectTwilio)
	sess := h.start(t)

	// Depth 0 batch runs.
	sess.push(t, backend.FunctionCallDoneEvent{ResponseID: "r1", Call: backend.ToolCall{ID: "t1", Name: "lookup"}})
	sess.push(t, backend.ResponseDoneEvent{ResponseID: "r1"})
	<-executed

	// Wait for the continuation request, then have it ask for tools again.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess.mu.Lock()
		n := sess.responses
		sess.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	sess.push(t, backend.FunctionCallDoneEvent{ResponseID: "r2", Call: backend.ToolCall{ID: "t2", Name: "lookup"}})
	sess.push(t, backend.ResponseDoneEvent{ResponseID: "r2"})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, text := range sess.spokenTexts() {
			if text == session.FallbackConfirmation {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("fallback confirmation never spoken: %v", sess.spokenTexts())
}

func TestBridge_GoodbyeTranscriptClosesAfterResponse(t *testing.T) {
	h := startBridge(t, session.AgentConfig{}, nil, protocol.DialectTelnyx)

	h.conn.send(t, `{"event":"connected"}`)
	h.conn.send(t, `{"event":"start","start":{"stream_id":"st1","call_control_id":"cc1","media_format":{"encoding":"PCMU","sample_rate":8000,"channels":1}}}`)

	deadline := time.Now().Add(2 * time.Second)
	var sess *fakeRealtimeSession
	for time.Now().Before(deadline) {
		h.realtime.mu.Lock()
		sess = h.realtime.session
		h.realtime.mu.Unlock()
		if sess != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sess == nil {
		t.Fatalf("realtime session never connected")
	}

	sess.push(t, backend.AudioTranscriptDoneEvent{Role: "agent", Text: "Thanks for calling, have a great day!"})
	sess.push(t, backend.ResponseDoneEvent{ResponseID: "r9"})

	h.waitDone(t)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.records) != 1 {
		t.Fatalf("records=%d, want 1", len(h.sink.records))
	}
	rec := h.sink.records[0]
	if rec.EndedReason != "agent_goodbye" || rec.CallID != "cc1" {
		t.Fatalf("record=%+v", rec)
	}
	if len(rec.Transcript) != 1 || rec.Transcript[0].Role != "agent" {
		t.Fatalf("transcript=%+v", rec.Transcript)
	}
}

func TestBridge_StopEndsSession(t *testing.T) {
	h := startBridge(t, session.AgentConfig{}, nil, protocol.DialectTwilio)
	h.start(t)

	h.conn.send(t, `{"event":"stop"}`)
	h.waitDone(t)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	if len(h.sink.records) != 1 || h.sink.records[0].EndedReason != "media_stop" {
		t.Fatalf("records=%+v", h.sink.records)
	}
}

// markerTool signals each execution on a channel.
type markerTool struct {
	name     string
	executed chan struct{}
}

func (m markerTool) Name() string { return m.name }

func (m markerTool) Definition() backend.ToolDefinition {
	return backend.ToolDefinition{Name: m.name, Parameters: map[string]any{"type": "object"}}
}

func (m markerTool) Execute(context.Context, map[string]any) tools.Result {
	select {
	case m.executed <- struct{}{}:
	default:
	}
	return tools.Result{OK: true, Payload: map[string]any{"ok": true}}
}
