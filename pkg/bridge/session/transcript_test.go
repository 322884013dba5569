package session

import (
	"testing"

	"github.com/vango-go/vai-bridge/pkg/bridge/protocol"
)

func TestTranscript_AppendAndSnapshot(t *testing.T) {
	tr := NewTranscript()
	tr.AppendAgent("Hello, how can I help?")
	tr.AppendUser("I need to reschedule.")
	tr.AppendAgent("   ") // dropped

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len=%d, want 2", len(snap))
	}
	if snap[0].Role != "agent" || snap[1].Role != "user" {
		t.Fatalf("snapshot=%+v", snap)
	}

	// Snapshot is a copy; mutating it must not affect the transcript.
	snap[0].Content = "mutated"
	if tr.Snapshot()[0].Content == "mutated" {
		t.Fatalf("snapshot aliases internal state")
	}
}

func TestTranscript_SyncProviderReplacesHistory(t *testing.T) {
	tr := NewTranscript()
	tr.AppendAgent("local greeting")

	tr.SyncProvider([]protocol.TranscriptTurn{
		{Role: "agent", Content: "Hello!"},
		{Role: "user", Content: "Hi."},
		{Role: "user", Content: ""}, // dropped
	})

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len=%d, want 2", len(snap))
	}
	if snap[0].Content != "Hello!" {
		t.Fatalf("provider transcript should replace local history: %+v", snap)
	}

	// An empty provider transcript is a no-op, not a wipe.
	tr.SyncProvider(nil)
	if len(tr.Snapshot()) != 2 {
		t.Fatalf("empty sync must not clear history")
	}
}

func TestTranscript_BackendTurns(t *testing.T) {
	tr := NewTranscript()
	tr.AppendUser("book me for friday")

	turns := tr.BackendTurns()
	if len(turns) != 1 || turns[0].Role != "user" || turns[0].Content != "book me for friday" {
		t.Fatalf("turns=%+v", turns)
	}
}
