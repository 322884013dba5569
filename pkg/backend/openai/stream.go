package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/backend"
)

// chatChunk is one streamed chat-completions chunk.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// toolCallAccumulator stitches together the argument fragments the API
// streams per tool call index.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	// accumulated tool calls, keyed by stream index
	calls map[int]*toolCallAccumulator
	order []int

	// drained events waiting to be returned by Next
	queue []backend.Event
	done  bool
}

func newEventStream(body io.ReadCloser) *eventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &eventStream{
		body:    body,
		scanner: scanner,
		calls:   make(map[int]*toolCallAccumulator),
	}
}

// Next returns the next event, or io.EOF after the final MessageEndEvent.
func (s *eventStream) Next() (backend.Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			// Stream ended without [DONE]; finish what we have.
			s.finish()
			continue
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.finish()
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip chunks we cannot parse rather than killing the turn.
			continue
		}
		s.apply(chunk)
	}
}

func (s *eventStream) apply(chunk chatChunk) {
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			s.queue = append(s.queue, backend.TextDeltaEvent{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := s.calls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				s.calls[tc.Index] = acc
				s.order = append(s.order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			s.finish()
		}
	}
}

// finish flushes accumulated tool calls followed by the message-end marker.
func (s *eventStream) finish() {
	if s.done {
		return
	}
	s.done = true
	for _, idx := range s.order {
		acc := s.calls[idx]
		if acc.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(acc.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				args = map[string]any{}
			}
		}
		s.queue = append(s.queue, backend.ToolUseEvent{
			Call: backend.ToolCall{ID: acc.id, Name: acc.name, Arguments: args},
		})
	}
	s.queue = append(s.queue, backend.MessageEndEvent{})
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
