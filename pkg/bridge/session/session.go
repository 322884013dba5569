// Package session drives one live call over the custom-LLM text protocol:
// it owns the per-call state machine, multiplexes transport I/O, AI-backend
// streaming, background tool execution, and keepalives, and guarantees
// at-most-once side effects for non-idempotent tools.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-bridge/pkg/backend"
	"github.com/vango-go/vai-bridge/pkg/bridge/protocol"
	"github.com/vango-go/vai-bridge/pkg/record"
	"github.com/vango-go/vai-bridge/pkg/tools"
)

// State is the session lifecycle phase.
type State int32

const (
	StateConnected State = iota
	StateConfiguring
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the transport connection surface the driver needs. A gorilla
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Dependencies wires one session. Conn, Backend, and Tools are required.
type Dependencies struct {
	Conn      Conn
	Logger    *slog.Logger
	Backend   backend.TextBackend
	Tools     *tools.Registry
	Recorder  record.Sink
	Agent     AgentConfig
	SessionID string
	Now       func() time.Time
}

type inboundFrame struct {
	data []byte
	err  error
}

type turnOutcome struct {
	responseID int
	depth      int
	reminder   bool
	fullText   string // assistant prefix + newly generated text
	toolCalls  []backend.ToolCall
	canceled   bool
}

type pendingToolExecution struct {
	seq        int64
	responseID int
	depth      int
	calls      []backend.ToolCall
	prefix     string
	cancel     context.CancelFunc
}

// Session is one live call on the custom-LLM transport. All mutable fields
// below the channel block are owned by the driver goroutine; other goroutines
// communicate through channels, the transcript, and the side-effect guard.
type Session struct {
	conn      Conn
	logger    *slog.Logger
	backend   backend.TextBackend
	tools     *tools.Registry
	recorder  record.Sink
	agent     AgentConfig
	sessionID string
	now       func() time.Time
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte
	priority chan []byte
	inbound  chan inboundFrame
	turnCh   chan turnOutcome
	runnerCh chan BatchOutcome

	guard      *SideEffectGuard
	transcript *Transcript
	runner     *Runner

	currentResponseID atomic.Int64

	// Driver-owned turn state.
	state         State
	callID        string
	callerPhone   string
	greeted       bool
	saidOneMoment bool
	saidGoodbye   bool
	pending        *pendingToolExecution
	turnCancel     context.CancelFunc
	reminderCancel context.CancelFunc
	batchSeq       int64
	endedReason    string
}

// New validates dependencies and builds a session in the Connected state.
func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("text backend is required")
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
	deps.Agent.ApplyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	guard := NewSideEffectGuard()
	s := &Session{
		conn:       deps.Conn,
		logger:     deps.Logger.With("session_id", deps.SessionID),
		backend:    deps.Backend,
		tools:      deps.Tools,
		recorder:   deps.Recorder,
		agent:      deps.Agent,
		sessionID:  deps.SessionID,
		now:        deps.Now,
		startTime:  deps.Now(),
		ctx:        ctx,
		cancel:     cancel,
		outbound:   make(chan []byte, 64),
		priority:   make(chan []byte, 16),
		inbound:    make(chan inboundFrame, 16),
		turnCh:     make(chan turnOutcome, 4),
		runnerCh:   make(chan BatchOutcome, 4),
		guard:      guard,
		transcript: NewTranscript(),
		state:      StateConnected,
	}
	s.runner = NewRunner(deps.Tools, guard, s.logger, deps.Agent.ToolCallTimeout)
	return s, nil
}

// Run drives the session until the transport closes, the call ends, or the
// duration ceiling fires. It always hands the transcript to the record sink
// before returning.
func (s *Session) Run() error {
	defer s.teardown()

	s.conn.SetReadLimit(s.agent.MaxFrameBytes)

	writer := NewWriter(WriterConfig{
		Conn:       s.conn,
		Ctx:        s.ctx,
		Priority:   s.priority,
		Normal:     s.outbound,
		Logger:     s.logger,
		Keepalive:  s.agent.KeepaliveInterval,
		Timeout:    s.agent.WriteTimeout,
		ResponseID: func() int { return int(s.currentResponseID.Load()) },
		Now:        s.now,
	})
	writerErr := make(chan error, 1)
	go func() { writerErr <- writer.Run() }()
	go s.readLoop()

	// Handshake: request call details and allow provider reconnects.
	s.state = StateConfiguring
	if frame, err := protocol.EncodeConfig(protocol.ConfigOptions{AutoReconnect: true, CallDetails: true}); err == nil {
		s.enqueuePriority(frame)
	}

	durationCeiling := time.NewTimer(s.agent.MaxCallDuration)
	defer durationCeiling.Stop()

	for s.state != StateClosing {
		select {
		case fr, ok := <-s.inbound:
			if !ok || fr.err != nil {
				s.beginClose("transport_disconnect")
				continue
			}
			s.handleInbound(fr.data)
		case o := <-s.turnCh:
			s.handleTurnOutcome(o)
		case m := <-s.runnerCh:
			s.handleBatchOutcome(m)
		case err := <-writerErr:
			if err != nil {
				s.logger.Warn("outbound writer failed", "error", err)
			}
			writerErr = nil
			s.beginClose("transport_send_failure")
		case <-durationCeiling.C:
			s.logger.Info("max call duration reached", "max", s.agent.MaxCallDuration)
			s.sendHangup()
			s.beginClose("max_duration")
		case <-s.ctx.Done():
			s.beginClose("canceled")
		}
	}
	return nil
}

// SetCallID seeds the call id before the transport announces call details
// (the custom-LLM endpoint carries it in the URL path). Must be called
// before Run.
func (s *Session) SetCallID(callID string) {
	if s == nil || callID == "" {
		return
	}
	s.callID = callID
	s.logger = s.logger.With("call_id", callID)
}

// Cancel force-terminates the session from outside the driver goroutine.
func (s *Session) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) readLoop() {
	defer close(s.inbound)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case s.inbound <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case s.inbound <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleInbound(data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		s.logger.Warn("dropping malformed inbound frame", "error", err)
		return
	}

	switch msg := msg.(type) {
	case protocol.PingPong:
		if frame, err := protocol.EncodePong(msg.Timestamp); err == nil {
			s.enqueuePriority(frame)
		}
	case protocol.CallDetails:
		s.handleCallDetails(msg)
	case protocol.ResponseRequired:
		s.startTurn(msg.ResponseID, msg.Transcript)
	case protocol.ReminderRequired:
		s.startReminder(msg.ResponseID, msg.Transcript)
	case protocol.TranscriptUpdate:
		s.transcript.SyncProvider(msg.Transcript)
	}
}

func (s *Session) handleCallDetails(msg protocol.CallDetails) {
	if msg.Call.CallID != "" && msg.Call.CallID != s.callID {
		s.callID = msg.Call.CallID
		s.logger = s.logger.With("call_id", s.callID)
	}
	if msg.Call.FromNumber != "" {
		s.callerPhone = msg.Call.FromNumber
	}
	if s.greeted {
		return
	}
	s.greeted = true
	s.state = StateActive
	s.sendResponse(protocol.Response{
		ResponseID:      0,
		Content:         s.agent.Greeting,
		ContentComplete: true,
	}, false)
	s.transcript.AppendAgent(s.agent.Greeting)
	s.logger.Info("call started", "caller", s.callerPhone)
}

// startTurn begins a new generation turn. A turn arriving while tools are
// pending is a barge-in: the pending execution and any in-flight generation
// are canceled before the new turn starts.
func (s *Session) startTurn(responseID int, transcript []protocol.TranscriptTurn) {
	if s.state == StateConfiguring {
		s.state = StateActive
	}
	if s.pending != nil {
		s.logger.Debug("barge-in: canceling pending tool execution", "response_id", s.pending.responseID)
		s.pending.cancel()
		s.pending = nil
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if s.reminderCancel != nil {
		s.reminderCancel()
		s.reminderCancel = nil
	}

	s.currentResponseID.Store(int64(responseID))
	s.saidOneMoment = false
	s.transcript.SyncProvider(transcript)

	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	go s.generate(turnCtx, generateSpec{
		responseID: responseID,
		turns:      backendTurnsFrom(transcript),
	})
}

// startReminder generates a short re-engagement utterance after caller
// silence. Reminders run beside the main turn machinery, never through it:
// an in-flight tool batch keeps running, its results are not orphaned, and
// its continuation still resumes under its own response id.
func (s *Session) startReminder(responseID int, transcript []protocol.TranscriptTurn) {
	if s.state == StateConfiguring {
		s.state = StateActive
	}
	if s.reminderCancel != nil {
		s.reminderCancel()
	}

	s.currentResponseID.Store(int64(responseID))
	s.transcript.SyncProvider(transcript)

	turns := append(backendTurnsFrom(transcript), backend.Turn{
		Role:    "user",
		Content: "(The caller has been silent for a while. Briefly and gently re-engage them in one short sentence.)",
	})

	turnCtx, cancel := context.WithCancel(s.ctx)
	s.reminderCancel = cancel
	go s.generate(turnCtx, generateSpec{
		responseID: responseID,
		reminder:   true,
		turns:      turns,
	})
}

type generateSpec struct {
	responseID int
	depth      int
	reminder   bool
	turns      []backend.Turn
	prefix     string
	toolCalls  []backend.ToolCall
	outputs    []backend.ToolOutput
}

// generate streams one backend response, forwarding text deltas as outbound
// frames and collecting tool calls. It runs off the driver goroutine; the
// outcome is delivered on turnCh.
func (s *Session) generate(ctx context.Context, spec generateSpec) {
	outcome := turnOutcome{
		responseID: spec.responseID,
		depth:      spec.depth,
		reminder:   spec.reminder,
		fullText:   spec.prefix,
	}

	req := backend.Request{
		System:          s.agent.SystemPrompt,
		Turns:           spec.turns,
		Temperature:     s.agent.Temperature,
		MaxTokens:       s.agent.MaxTokens,
		AssistantPrefix: spec.prefix,
		ToolCalls:       spec.toolCalls,
		ToolOutputs:     spec.outputs,
	}
	if !spec.reminder {
		req.Tools = s.tools.Definitions(s.agent.EnabledTools)
	}

	stream, err := s.backend.StreamResponse(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			outcome.canceled = true
			s.deliverOutcome(outcome)
			return
		}
		s.logger.Warn("backend request failed", "error", err)
		s.speakApology(spec.responseID, &outcome)
		s.deliverOutcome(outcome)
		return
	}
	defer func() { _ = stream.Close() }()

	var text strings.Builder
	for {
		ev, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				outcome.canceled = true
				s.deliverOutcome(outcome)
				return
			}
			s.logger.Warn("backend stream failed", "error", err)
			// Deltas already spoken stay in the transcript record.
			outcome.fullText = spec.prefix + text.String()
			s.speakApology(spec.responseID, &outcome)
			outcome.toolCalls = nil
			s.deliverOutcome(outcome)
			return
		}

		switch ev := ev.(type) {
		case backend.TextDeltaEvent:
			if ev.Text == "" {
				continue
			}
			text.WriteString(ev.Text)
			s.sendResponse(protocol.Response{
				ResponseID:      spec.responseID,
				Content:         ev.Text,
				ContentComplete: false,
			}, false)
		case backend.ToolUseEvent:
			outcome.toolCalls = append(outcome.toolCalls, ev.Call)
		case backend.ErrorEvent:
			s.logger.Warn("backend reported error", "message", ev.Message)
			outcome.fullText = spec.prefix + text.String()
			s.speakApology(spec.responseID, &outcome)
			outcome.toolCalls = nil
			s.deliverOutcome(outcome)
			return
		case backend.MessageEndEvent:
			// Terminal marker; the stream returns io.EOF next.
		}
	}

	outcome.fullText = spec.prefix + text.String()
	if outcome.canceled = ctx.Err() != nil; outcome.canceled {
		outcome.toolCalls = nil
	}
	s.deliverOutcome(outcome)
}

func (s *Session) speakApology(responseID int, outcome *turnOutcome) {
	s.sendResponse(protocol.Response{
		ResponseID:      responseID,
		Content:         ApologyText,
		ContentComplete: false,
	}, false)
	outcome.fullText += ApologyText
}

func (s *Session) deliverOutcome(o turnOutcome) {
	select {
	case s.turnCh <- o:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleTurnOutcome(o turnOutcome) {
	if o.canceled || s.state != StateActive {
		return
	}
	// Depth-0 outcomes for superseded turns are stale; continuations always
	// resume under the id their batch was dispatched with.
	if o.depth == 0 && o.responseID != int(s.currentResponseID.Load()) {
		return
	}

	if len(o.toolCalls) > 0 && !o.reminder {
		if o.depth >= s.agent.MaxRecursiveDepth {
			s.logger.Warn("recursive tool depth cap reached, discarding tool calls",
				"response_id", o.responseID, "depth", o.depth, "discarded", len(o.toolCalls))
			s.completeTurnWithText(o.responseID, FallbackConfirmation)
			return
		}
		s.dispatchTools(o)
		return
	}

	s.completeTurn(o.responseID, o.fullText)
}

// dispatchTools hands a tool batch to the runner and leaves the turn open so
// the driver stays free to answer pings and keepalives while tools run.
func (s *Session) dispatchTools(o turnOutcome) {
	if strings.TrimSpace(o.fullText) == "" && !s.saidOneMoment {
		s.saidOneMoment = true
		s.sendResponse(protocol.Response{
			ResponseID:      o.responseID,
			Content:         FillerText,
			ContentComplete: false,
		}, false)
		s.transcript.AppendAgent(FillerText)
	}

	s.batchSeq++
	runCtx, cancel := context.WithCancel(s.ctx)
	s.pending = &pendingToolExecution{
		seq:        s.batchSeq,
		responseID: o.responseID,
		depth:      o.depth,
		calls:      o.toolCalls,
		prefix:     o.fullText,
		cancel:     cancel,
	}
	s.logger.Debug("dispatching tool batch",
		"response_id", o.responseID, "depth", o.depth, "calls", len(o.toolCalls))
	go s.runner.Run(runCtx, Batch{Seq: s.batchSeq, Calls: o.toolCalls}, s.runnerCh)
}

func (s *Session) handleBatchOutcome(m BatchOutcome) {
	if s.pending == nil || s.pending.seq != m.Seq {
		return // superseded by barge-in
	}
	pending := s.pending
	s.pending = nil
	pending.cancel()

	if m.Canceled {
		return
	}

	if m.Special != nil {
		s.handleSpecialAction(pending.responseID, m.Special)
		return
	}

	outputs := make([]backend.ToolOutput, 0, len(m.Results))
	for i, res := range m.Results {
		name := ""
		if i < len(pending.calls) {
			name = pending.calls[i].Name
		}
		outputs = append(outputs, backend.ToolOutput{
			CallID: res.ToolCallID,
			Name:   name,
			Output: res.Output(),
		})
	}

	// Continuation resumes under the response id the batch was dispatched
	// with, never the possibly-advanced current id.
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	go s.generate(turnCtx, generateSpec{
		responseID: pending.responseID,
		depth:      pending.depth + 1,
		turns:      s.transcript.BackendTurns(),
		prefix:     pending.prefix,
		toolCalls:  pending.calls[:len(m.Results)],
		outputs:    outputs,
	})
}

func (s *Session) handleSpecialAction(responseID int, action *tools.SpecialAction) {
	switch action.Kind {
	case tools.SpecialEndCall:
		s.saidGoodbye = true
		s.sendResponse(protocol.Response{
			ResponseID:      responseID,
			Content:         action.Message,
			ContentComplete: true,
			EndCall:         true,
		}, true)
		s.transcript.AppendAgent(action.Message)
		s.beginClose("tool_end_call")
	case tools.SpecialTransferCall:
		s.sendResponse(protocol.Response{
			ResponseID:      responseID,
			Content:         action.Message,
			ContentComplete: true,
			TransferNumber:  action.TransferNumber,
		}, true)
		s.transcript.AppendAgent(action.Message)
		s.beginClose("tool_transfer_call")
	default:
		s.logger.Warn("unknown special action", "kind", action.Kind)
	}
}

func (s *Session) completeTurn(responseID int, fullText string) {
	if IsGoodbye(fullText) {
		s.saidGoodbye = true
	}
	s.sendResponse(protocol.Response{
		ResponseID:      responseID,
		Content:         "",
		ContentComplete: true,
		EndCall:         s.saidGoodbye,
	}, true)
	if strings.TrimSpace(fullText) != "" {
		s.transcript.AppendAgent(fullText)
	}
	if s.saidGoodbye {
		s.beginClose("agent_goodbye")
	}
}

// completeTurnWithText emits one final frame carrying its own content, used
// for the recursion-cap fallback.
func (s *Session) completeTurnWithText(responseID int, text string) {
	if IsGoodbye(text) {
		s.saidGoodbye = true
	}
	s.sendResponse(protocol.Response{
		ResponseID:      responseID,
		Content:         text,
		ContentComplete: true,
		EndCall:         s.saidGoodbye,
	}, true)
	s.transcript.AppendAgent(text)
	if s.saidGoodbye {
		s.beginClose("agent_goodbye")
	}
}

func (s *Session) sendHangup() {
	frame, err := protocol.EncodeResponse(protocol.Response{
		ResponseID:      int(s.currentResponseID.Load()),
		Content:         "",
		ContentComplete: true,
		EndCall:         true,
	})
	if err == nil {
		s.enqueuePriority(frame)
	}
}

func (s *Session) beginClose(reason string) {
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.state = StateClosing
	if s.endedReason == "" {
		s.endedReason = reason
	}
	if s.pending != nil {
		s.pending.cancel()
		s.pending = nil
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if s.reminderCancel != nil {
		s.reminderCancel()
		s.reminderCancel = nil
	}
	s.cancel()
}

func (s *Session) teardown() {
	s.beginClose("canceled")

	// The writer flushes queued priority frames on context cancellation;
	// give it a moment before the socket closes underneath it.
	time.Sleep(10 * time.Millisecond)
	_ = s.conn.Close()

	duration := int(s.now().Sub(s.startTime).Seconds())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.recorder.Persist(ctx, record.CallRecord{
		CallID:          s.callID,
		SessionID:       s.sessionID,
		CallerPhone:     s.callerPhone,
		Transcript:      s.transcript.Snapshot(),
		DurationSeconds: duration,
		EndedReason:     s.endedReason,
	})
	if err != nil {
		s.logger.Warn("call record persist failed", "error", err)
	}
	s.state = StateClosed
	s.logger.Info("session closed", "reason", s.endedReason, "duration_s", duration)
}

func (s *Session) sendResponse(resp protocol.Response, priority bool) {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encode response failed", "error", err)
		return
	}
	if priority {
		s.enqueuePriority(frame)
		return
	}
	s.enqueueNormal(frame)
}

func (s *Session) enqueueNormal(frame []byte) {
	select {
	case s.outbound <- frame:
	case <-s.ctx.Done():
	}
}

func (s *Session) enqueuePriority(frame []byte) {
	select {
	case s.priority <- frame:
	case <-s.ctx.Done():
	}
}
