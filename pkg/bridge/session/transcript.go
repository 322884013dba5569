package session

import (
	"strings"
	"sync"

	"github.com/vango-go/vai-bridge/pkg/backend"
	"github.com/vango-go/vai-bridge/pkg/bridge/protocol"
	"github.com/vango-go/vai-bridge/pkg/record"
)

// Transcript accumulates the ordered (role, text) history of one call for the
// record sink and for backend requests. The provider's transcript is
// authoritative when present; locally generated agent turns fill the gaps.
type Transcript struct {
	mu    sync.Mutex
	turns []record.Turn
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append adds one turn. Empty content is dropped.
func (t *Transcript) Append(role, content string) {
	if t == nil || strings.TrimSpace(content) == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, record.Turn{Role: role, Content: content})
}

func (t *Transcript) AppendAgent(content string) { t.Append("agent", content) }
func (t *Transcript) AppendUser(content string)  { t.Append("user", content) }

// SyncProvider replaces the accumulated history with the provider's full
// transcript, which supersedes anything recorded locally.
func (t *Transcript) SyncProvider(turns []protocol.TranscriptTurn) {
	if t == nil || len(turns) == 0 {
		return
	}
	fresh := make([]record.Turn, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		fresh = append(fresh, record.Turn{Role: turn.Role, Content: turn.Content})
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = fresh
}

// Snapshot returns a copy of the history for the record sink.
func (t *Transcript) Snapshot() []record.Turn {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]record.Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// BackendTurns returns the history in the backend request shape.
func (t *Transcript) BackendTurns() []backend.Turn {
	snap := t.Snapshot()
	out := make([]backend.Turn, 0, len(snap))
	for _, turn := range snap {
		out = append(out, backend.Turn{Role: turn.Role, Content: turn.Content})
	}
	return out
}

func backendTurnsFrom(turns []protocol.TranscriptTurn) []backend.Turn {
	out := make([]backend.Turn, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		out = append(out, backend.Turn{Role: turn.Role, Content: turn.Content})
	}
	return out
}
