package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/vai-bridge/pkg/bridge/protocol"
)

const (
	textMessage = 1 // websocket text opcode

	// keepaliveRetries bounds resend attempts before the writer gives up and
	// tears the session down; the provider will disconnect anyway once its
	// silence budget runs out.
	keepaliveRetries = 2
)

// FrameWriter is the outbound half of the transport connection.
type FrameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// WriterConfig configures a Writer. Keepalive <= 0 disables protocol
// keepalives (the media-stream transport does not want them).
type WriterConfig struct {
	Conn      FrameWriter
	Ctx       context.Context
	Priority  <-chan []byte
	Normal    <-chan []byte
	Logger    *slog.Logger
	Keepalive time.Duration
	Timeout   time.Duration

	// ResponseID reports the id keepalive frames are emitted under.
	ResponseID func() int

	Now func() time.Time
}

// Writer is the single goroutine allowed to write to the transport. It
// serializes priority frames (pongs, handshake, completion/hangup frames)
// ahead of normal frames (deltas, media) and owns the keepalive ticker: if
// nothing has been written for a full keepalive interval, it emits an empty
// content_complete=false frame under the current response id so the provider
// does not treat the connection as idle.
type Writer struct {
	cfg      WriterConfig
	lastSent time.Time
}

func NewWriter(cfg WriterConfig) *Writer {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Ctx == nil {
		cfg.Ctx = context.Background()
	}
	return &Writer{cfg: cfg}
}

// Run pumps frames until the context is canceled or a write fails. The
// returned error is nil on clean shutdown.
func (w *Writer) Run() error {
	if w == nil || w.cfg.Conn == nil {
		return nil
	}
	w.lastSent = w.cfg.Now()

	var tick <-chan time.Time
	if w.cfg.Keepalive > 0 {
		ticker := time.NewTicker(w.cfg.Keepalive / 2)
		tick = ticker.C
		defer ticker.Stop()
	}

	priority := w.cfg.Priority
	normal := w.cfg.Normal

	for {
		select {
		case <-w.cfg.Ctx.Done():
			w.flushPriorityOnShutdown(priority)
			_ = w.cfg.Conn.Close()
			return nil
		default:
		}

		// Priority frames preempt everything queued behind them.
		select {
		case frame, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		default:
		}

		if priority == nil && normal == nil {
			return nil
		}

		select {
		case <-w.cfg.Ctx.Done():
			w.flushPriorityOnShutdown(priority)
			_ = w.cfg.Conn.Close()
			return nil
		case <-tick:
			if w.cfg.Now().Sub(w.lastSent) < w.cfg.Keepalive {
				continue
			}
			if err := w.sendKeepalive(); err != nil {
				return err
			}
		case frame, ok := <-priority:
			if !ok {
				priority = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		case frame, ok := <-normal:
			if !ok {
				normal = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) sendKeepalive() error {
	id := 0
	if w.cfg.ResponseID != nil {
		id = w.cfg.ResponseID()
	}
	frame, err := protocol.EncodeResponse(protocol.Response{
		ResponseID:      id,
		Content:         "",
		ContentComplete: false,
	})
	if err != nil {
		return fmt.Errorf("encode keepalive: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= keepaliveRetries; attempt++ {
		if w.cfg.Ctx.Err() != nil {
			return nil
		}
		if lastErr = w.write(frame); lastErr == nil {
			return nil
		}
		if w.cfg.Logger != nil {
			w.cfg.Logger.Warn("keepalive send failed", "attempt", attempt+1, "error", lastErr)
		}
	}
	return fmt.Errorf("keepalive send failed after %d retries: %w", keepaliveRetries, lastErr)
}

func (w *Writer) write(frame []byte) error {
	if err := w.cfg.Conn.SetWriteDeadline(w.cfg.Now().Add(w.cfg.Timeout)); err != nil {
		return err
	}
	if err := w.cfg.Conn.WriteMessage(textMessage, frame); err != nil {
		return err
	}
	w.lastSent = w.cfg.Now()
	return nil
}

// flushPriorityOnShutdown gives already-queued priority frames (hangup,
// final completion) a brief chance to reach the wire before the socket
// closes. Normal frames are abandoned.
func (w *Writer) flushPriorityOnShutdown(priority <-chan []byte) {
	if priority == nil {
		return
	}
	deadline := w.cfg.Now().Add(100 * time.Millisecond)
	for i := 0; i < 8 && w.cfg.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-priority:
			if !ok {
				return
			}
			_ = w.write(frame)
		default:
			return
		}
	}
}
