package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeFrameWriter struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeFrameWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeFrameWriter) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write refused")
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeFrameWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFrameWriter) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeFrameWriter) frame(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[i]
}

func TestWriter_PriorityPreemptsNormal(t *testing.T) {
	conn := &fakeFrameWriter{}
	priority := make(chan []byte, 4)
	normal := make(chan []byte, 4)

	normal <- []byte(`{"n":1}`)
	normal <- []byte(`{"n":2}`)
	priority <- []byte(`{"p":1}`)

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriter(WriterConfig{Conn: conn, Ctx: ctx, Priority: priority, Normal: normal})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	for conn.frameCount() < 3 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if string(conn.frame(0)) != `{"p":1}` {
		t.Fatalf("first frame=%s, want priority frame", conn.frame(0))
	}
}

func TestWriter_EmitsKeepaliveWhenIdle(t *testing.T) {
	conn := &fakeFrameWriter{}
	priority := make(chan []byte, 1)
	normal := make(chan []byte, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWriter(WriterConfig{
		Conn:       conn,
		Ctx:        ctx,
		Priority:   priority,
		Normal:     normal,
		Keepalive:  30 * time.Millisecond,
		ResponseID: func() int { return 4 },
	})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	deadline := time.Now().Add(time.Second)
	for conn.frameCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if conn.frameCount() == 0 {
		t.Fatalf("expected a keepalive frame")
	}
	var frame map[string]any
	if err := json.Unmarshal(conn.frame(0), &frame); err != nil {
		t.Fatalf("unmarshal keepalive: %v", err)
	}
	if frame["response_type"] != "response" || frame["response_id"] != float64(4) {
		t.Fatalf("keepalive=%v", frame)
	}
	if frame["content"] != "" || frame["content_complete"] != false {
		t.Fatalf("keepalive must be an empty incomplete frame: %v", frame)
	}
}

func TestWriter_TrafficSuppressesKeepalive(t *testing.T) {
	conn := &fakeFrameWriter{}
	priority := make(chan []byte, 1)
	normal := make(chan []byte, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWriter(WriterConfig{
		Conn:      conn,
		Ctx:       ctx,
		Priority:  priority,
		Normal:    normal,
		Keepalive: 60 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	// Steady traffic at well under the keepalive interval.
	stop := time.After(200 * time.Millisecond)
feed:
	for {
		select {
		case <-stop:
			break feed
		case normal <- []byte(`{"delta":"x"}`):
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	<-done

	for i := 0; i < conn.frameCount(); i++ {
		var frame map[string]any
		if err := json.Unmarshal(conn.frame(i), &frame); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if frame["response_type"] == "response" && frame["delta"] == nil {
			t.Fatalf("unexpected keepalive during steady traffic: %v", frame)
		}
	}
}

func TestWriter_KeepaliveRetriesThenFails(t *testing.T) {
	conn := &fakeFrameWriter{fail: true}
	priority := make(chan []byte, 1)
	normal := make(chan []byte, 1)

	w := NewWriter(WriterConfig{
		Conn:      conn,
		Ctx:       context.Background(),
		Priority:  priority,
		Normal:    normal,
		Keepalive: 20 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error after exhausted keepalive retries")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("writer did not give up after keepalive failures")
	}
}

func TestWriter_FlushesPriorityOnShutdown(t *testing.T) {
	conn := &fakeFrameWriter{}
	priority := make(chan []byte, 4)
	normal := make(chan []byte, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already shut down before the writer starts

	priority <- []byte(`{"end_call":true}`)
	normal <- []byte(`{"delta":"abandoned"}`)

	w := NewWriter(WriterConfig{Conn: conn, Ctx: ctx, Priority: priority, Normal: normal})
	if err := w.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if conn.frameCount() != 1 || string(conn.frame(0)) != `{"end_call":true}` {
		t.Fatalf("frames=%d, want only the queued priority frame", conn.frameCount())
	}
	if !conn.closed {
		t.Fatalf("connection should be closed on shutdown")
	}
}
