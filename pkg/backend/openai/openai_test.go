package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/backend"
)

func TestNew_RequiresModel(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing model")
	}
	b, err := New(Config{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.cfg.BaseURL != defaultBaseURL {
		t.Fatalf("base url=%q", b.cfg.BaseURL)
	}
}

func TestStreamResponse_EndToEnd(t *testing.T) {
	var gotAuth string
	var gotPayload chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi there.\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stream, err := b.StreamResponse(context.Background(), backend.Request{
		System: "Be brief.",
		Turns:  []backend.Turn{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("StreamResponse: %v", err)
	}
	defer stream.Close()

	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if d, ok := ev.(backend.TextDeltaEvent); !ok || d.Text != "Hi there." {
		t.Fatalf("event=%#v", ev)
	}

	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header=%q", gotAuth)
	}
	if gotPayload.Model != "gpt-4o-mini" || !gotPayload.Stream {
		t.Fatalf("payload=%+v", gotPayload)
	}
}

func TestStreamResponse_NonOKStatusSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"model overloaded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b, err := New(Config{BaseURL: srv.URL, Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = b.StreamResponse(context.Background(), backend.Request{})
	if err == nil {
		t.Fatalf("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("error=%v", err)
	}
}
