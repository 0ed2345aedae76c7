package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxray-ai/console/pkg/backend"
	"github.com/voxray-ai/console/pkg/conversation"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestBuildParams_Order(t *testing.T) {
	c, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := c.buildParams(backend.ChatRequest{
		Message: "next steps?",
		Context: "Diagnosis: Pneumonia, Confidence: 87.0%",
		History: []conversation.HistoryEntry{
			{Role: conversation.RoleUser, Text: "explain"},
			{Role: conversation.RoleAssistant, Text: "it is pneumonia"},
		},
	})

	if len(p.Messages) != 5 {
		t.Fatalf("len(Messages) = %d, want 5", len(p.Messages))
	}
	if p.Messages[0].OfSystem == nil || p.Messages[1].OfSystem == nil {
		t.Error("expected system prompt and context first")
	}
	if p.Messages[2].OfUser == nil {
		t.Error("expected history user message at index 2")
	}
	if p.Messages[3].OfAssistant == nil {
		t.Error("expected history assistant message at index 3")
	}
	if p.Messages[4].OfUser == nil {
		t.Error("expected current turn last")
	}
}

func TestBuildParams_NoContext(t *testing.T) {
	c, err := New("sk-test", "gpt-4o-mini", WithSystemPrompt(""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := c.buildParams(backend.ChatRequest{Message: "hi"})
	if len(p.Messages) != 1 || p.Messages[0].OfUser == nil {
		t.Errorf("Messages = %+v, want single user message", p.Messages)
	}
}

func TestChat_AgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "Consolidation in the lower lobe."},
			}},
		})
	}))
	t.Cleanup(srv.Close)

	c, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Chat(context.Background(), backend.ChatRequest{Message: "explain"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "Consolidation in the lower lobe." {
		t.Errorf("reply = %q", got)
	}
}

func TestChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	t.Cleanup(srv.Close)

	c, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Chat(context.Background(), backend.ChatRequest{Message: "explain"})
	if code, ok := backend.StatusCode(err); !ok || code != http.StatusServiceUnavailable {
		t.Errorf("err = %v, want StatusError 503", err)
	}
}

func TestChat_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New("sk-test", "gpt-4o-mini", WithBaseURL(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Chat(context.Background(), backend.ChatRequest{Message: "explain"})
	if !errors.Is(err, backend.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", err)
	}
}
