// Package audio specializes the session driver for binary telephony media
// streams: inbound media frames are forwarded to a realtime AI backend and
// generated audio flows back out under the provider's stream identifier.
// Tool handling, the side-effect guard, the recursion cap, and end-call
// detection match the text driver; only the payload shape and the triggering
// events differ.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/vai-bridge/pkg/backend"
	"github.com/vango-go/vai-bridge/pkg/bridge/protocol"
	"github.com/vango-go/vai-bridge/pkg/bridge/session"
	"github.com/vango-go/vai-bridge/pkg/record"
	"github.com/vango-go/vai-bridge/pkg/tools"
)

// Dependencies wires one media-stream call. Conn, Realtime, and Tools are
// required.
type Dependencies struct {
	Conn      session.Conn
	Logger    *slog.Logger
	Realtime  backend.RealtimeBackend
	Tools     *tools.Registry
	Recorder  record.Sink
	Agent     session.AgentConfig
	Dialect   protocol.Dialect
	SessionID string
	Now       func() time.Time
}

type inboundFrame struct {
	data []byte
	err  error
}

type pendingBatch struct {
	seq        int64
	responseID string
	depth      int
	calls      []backend.ToolCall
	cancel     context.CancelFunc
}

// Bridge is one live media-stream call. The driver goroutine owns all
// mutable state; the realtime event pump and tool runner communicate over
// channels.
type Bridge struct {
	conn      session.Conn
	logger    *slog.Logger
	realtime  backend.RealtimeBackend
	tools     *tools.Registry
	recorder  record.Sink
	agent     session.AgentConfig
	dialect   protocol.Dialect
	sessionID string
	now       func() time.Time
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte
	priority chan []byte
	inbound  chan inboundFrame
	events   chan backend.RealtimeEvent
	runnerCh chan session.BatchOutcome

	guard      *session.SideEffectGuard
	transcript *session.Transcript
	runner     *session.Runner

	// Driver-owned state.
	rt          backend.RealtimeSession
	streamID    string
	callID      string
	closing     bool
	saidGoodbye bool
	batch       []backend.ToolCall
	batchDepth  int
	pending     *pendingBatch
	batchSeq    int64
	endedReason string
}

func New(deps Dependencies) (*Bridge, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Realtime == nil {
		return nil, fmt.Errorf("realtime backend is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if deps.Recorder == nil {
		deps.Recorder = record.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Dialect == "" {
		deps.Dialect = protocol.DialectTwilio
	}
	deps.Agent.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	guard := session.NewSideEffectGuard()
	b := &Bridge{
		conn:       deps.Conn,
		logger:     deps.Logger.With("session_id", deps.SessionID),
		realtime:   deps.Realtime,
		tools:      deps.Tools,
		recorder:   deps.Recorder,
		agent:      deps.Agent,
		dialect:    deps.Dialect,
		sessionID:  deps.SessionID,
		now:        deps.Now,
		startTime:  deps.Now(),
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan []byte, 256),
		priority:   make(chan []byte, 16),
		inbound:    make(chan inboundFrame, 64),
		events:     make(chan backend.RealtimeEvent, 64),
		runnerCh:   make(chan session.BatchOutcome, 4),
		guard:      guard,
		transcript: session.NewTranscript(),
	}
	b.runner = session.NewRunner(deps.Tools, guard, b.logger, deps.Agent.ToolCallTimeout)
	return b, nil
}

// Run drives the bridge until the media stream stops, the call ends, or the
// duration ceiling fires.
func (b *Bridge) Run() error {
	defer b.teardown()

	b.conn.SetReadLimit(b.agent.MaxMediaBytes)

	writer := session.NewWriter(session.WriterConfig{
		Conn:     b.conn,
		Ctx:      b.ctx,
		Priority: b.priority,
		Normal:   b.outbound,
		Logger:   b.logger,
		Timeout:  b.agent.WriteTimeout,
		Now:      b.now,
	})
	writerErr := make(chan error, 1)
	go func() { writerErr <- writer.Run() }()
	go b.readLoop()

	durationCeiling := time.NewTimer(b.agent.MaxCallDuration)
	defer durationCeiling.Stop()

	for !b.closing {
		select {
		case fr, ok := <-b.inbound:
			if !ok || fr.err != nil {
				b.beginClose("transport_disconnect")
				continue
			}
			b.handleInbound(fr.data)
		case ev := <-b.events:
			b.handleRealtimeEvent(ev)
		case m := <-b.runnerCh:
			b.handleBatchOutcome(m)
		case err := <-writerErr:
			if err != nil {
				b.logger.Warn("outbound writer failed", "error", err)
			}
			writerErr = nil
			b.beginClose("transport_send_failure")
		case <-durationCeiling.C:
			b.logger.Info("max call duration reached", "max", b.agent.MaxCallDuration)
			b.beginClose("max_duration")
		case <-b.ctx.Done():
			b.beginClose("canceled")
		}
	}
	return nil
}

// Cancel force-terminates the bridge from outside the driver goroutine.
func (b *Bridge) Cancel() {
	if b != nil && b.cancel != nil {
		b.cancel()
	}
}

func (b *Bridge) readLoop() {
	defer close(b.inbound)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case b.inbound <- inboundFrame{err: err}:
			case <-b.ctx.Done():
			}
			return
		}
		select {
		case b.inbound <- inboundFrame{data: data}:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleInbound(data []byte) {
	msg, err := protocol.DecodeMediaInbound(b.dialect, data)
	if err != nil {
		b.logger.Warn("dropping malformed media frame", "error", err)
		return
	}

	switch msg := msg.(type) {
	case protocol.MediaConnected:
		// Stream identifiers arrive with start.
	case protocol.MediaStart:
		b.handleStart(msg)
	case protocol.MediaChunk:
		if b.rt == nil {
			return
		}
		if err := b.rt.AppendAudio(msg.Audio); err != nil {
			b.logger.Warn("audio append failed", "error", err)
		}
	case protocol.MediaStop:
		b.beginClose("media_stop")
	case protocol.MediaMark:
		b.logger.Debug("playback mark", "name", msg.Name)
	}
}

func (b *Bridge) handleStart(msg protocol.MediaStart) {
	if b.rt != nil {
		return // duplicate start
	}
	b.streamID = msg.StreamID
	b.callID = msg.CallID
	if b.callID != "" {
		b.logger = b.logger.With("call_id", b.callID)
	}

	rt, err := b.realtime.Connect(b.ctx, backend.RealtimeConfig{
		Instructions:      b.agent.SystemPrompt,
		Voice:             b.agent.Voice,
		Language:          b.agent.Language,
		Temperature:       b.agent.Temperature,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		Tools:             b.tools.Definitions(b.agent.EnabledTools),
		Transcription:     true,
	})
	if err != nil {
		b.logger.Warn("realtime backend connect failed", "error", err)
		b.beginClose("backend_connect_failure")
		return
	}
	b.rt = rt
	go b.pumpEvents(rt)

	// Greeting is generated AI-side on the audio transport.
	if err := rt.SpeakText(b.agent.Greeting); err != nil {
		b.logger.Warn("greeting request failed", "error", err)
	}
	b.logger.Info("media stream started", "stream_id", b.streamID)
}

func (b *Bridge) pumpEvents(rt backend.RealtimeSession) {
	for ev := range rt.Events() {
		select {
		case b.events <- ev:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bridge) handleRealtimeEvent(ev backend.RealtimeEvent) {
	switch ev := ev.(type) {
	case backend.SessionUpdatedEvent:
		b.logger.Debug("realtime session configured")
	case backend.AudioDeltaEvent:
		frame, err := protocol.EncodeMedia(b.dialect, b.streamID, ev.Audio)
		if err != nil {
			b.logger.Error("encode media failed", "error", err)
			return
		}
		b.enqueueNormal(frame)
	case backend.SpeechStartedEvent:
		// Caller barge-in: flush any buffered agent audio and cancel
		// pending tools, exactly as a new turn does on the text transport.
		if frame, err := protocol.EncodeClear(b.dialect, b.streamID); err == nil {
			b.enqueuePriority(frame)
		}
		if b.pending != nil {
			b.pending.cancel()
			b.pending = nil
		}
		b.batch = nil
		b.batchDepth = 0
	case backend.AudioTranscriptDeltaEvent:
		// Final transcripts are captured on the done events.
	case backend.AudioTranscriptDoneEvent:
		b.transcript.Append(ev.Role, ev.Text)
		if ev.Role == "agent" && session.IsGoodbye(ev.Text) {
			b.saidGoodbye = true
		}
	case backend.FunctionCallDoneEvent:
		b.batch = append(b.batch, ev.Call)
	case backend.ResponseDoneEvent:
		b.handleResponseDone(ev)
	case backend.RealtimeErrorEvent:
		b.logger.Warn("realtime backend error", "message", ev.Message)
	}
}

func (b *Bridge) handleResponseDone(ev backend.ResponseDoneEvent) {
	if len(b.batch) == 0 {
		b.batchDepth = 0
		if b.saidGoodbye {
			b.beginClose("agent_goodbye")
		}
		return
	}

	calls := b.batch
	depth := b.batchDepth
	b.batch = nil

	if depth >= b.agent.MaxRecursiveDepth {
		b.logger.Warn("recursive tool depth cap reached, discarding tool calls",
			"depth", depth, "discarded", len(calls))
		b.batchDepth = 0
		if err := b.rt.SpeakText(session.FallbackConfirmation); err != nil {
			b.logger.Warn("fallback speech request failed", "error", err)
		}
		return
	}

	if b.pending != nil {
		b.pending.cancel()
	}
	b.batchSeq++
	runCtx, cancel := context.WithCancel(b.ctx)
	b.pending = &pendingBatch{
		seq:        b.batchSeq,
		responseID: ev.ResponseID,
		depth:      depth,
		calls:      calls,
		cancel:     cancel,
	}
	b.logger.Debug("dispatching tool batch", "response_id", ev.ResponseID, "depth", depth, "calls", len(calls))
	go b.runner.Run(runCtx, session.Batch{Seq: b.batchSeq, Calls: calls}, b.runnerCh)
}

func (b *Bridge) handleBatchOutcome(m session.BatchOutcome) {
	if b.pending == nil || b.pending.seq != m.Seq {
		return
	}
	pending := b.pending
	b.pending = nil
	pending.cancel()

	if m.Canceled {
		return
	}

	if m.Special != nil {
		b.handleSpecialAction(m.Special)
		return
	}

	b.logger.Debug("tool batch finished", "response_id", pending.responseID, "results", len(m.Results))
	for _, res := range m.Results {
		if err := b.rt.SendToolResult(res.ToolCallID, res.Output()); err != nil {
			b.logger.Warn("tool result send failed", "error", err)
		}
	}
	// The continuation response may call further tools; depth carries over.
	b.batchDepth = pending.depth + 1
	if err := b.rt.CreateResponse(); err != nil {
		b.logger.Warn("continuation request failed", "error", err)
	}
}

func (b *Bridge) handleSpecialAction(action *tools.SpecialAction) {
	switch action.Kind {
	case tools.SpecialEndCall:
		b.saidGoodbye = true
		if err := b.rt.SpeakText(action.Message); err != nil {
			b.logger.Warn("end-call speech request failed", "error", err)
			b.beginClose("tool_end_call")
		}
		// Close follows once the farewell response completes.
	case tools.SpecialTransferCall:
		// Media streams carry no transfer frame; the call-control layer
		// handles the actual transfer. Announce and end the stream.
		if err := b.rt.SpeakText(action.Message); err != nil {
			b.logger.Warn("transfer speech request failed", "error", err)
		}
		b.beginClose("tool_transfer_call")
	default:
		b.logger.Warn("unknown special action", "kind", action.Kind)
	}
}

func (b *Bridge) beginClose(reason string) {
	if b.closing {
		return
	}
	b.closing = true
	if b.endedReason == "" {
		b.endedReason = reason
	}
	if b.pending != nil {
		b.pending.cancel()
		b.pending = nil
	}
	b.cancel()
}

func (b *Bridge) teardown() {
	b.beginClose("canceled")
	if b.rt != nil {
		_ = b.rt.Close()
	}
	time.Sleep(10 * time.Millisecond)
	_ = b.conn.Close()

	duration := int(b.now().Sub(b.startTime).Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.recorder.Persist(ctx, record.CallRecord{
		CallID:          b.callID,
		SessionID:       b.sessionID,
		Transcript:      b.transcript.Snapshot(),
		DurationSeconds: duration,
		EndedReason:     b.endedReason,
	})
	if err != nil {
		b.logger.Warn("call record persist failed", "error", err)
	}
	b.logger.Info("media session closed", "reason", b.endedReason, "duration_s", duration)
}

func (b *Bridge) enqueueNormal(frame []byte) {
	select {
	case b.outbound <- frame:
	case <-b.ctx.Done():
	}
}

func (b *Bridge) enqueuePriority(frame []byte) {
	select {
	case b.priority <- frame:
	case <-b.ctx.Done():
	}
}
