package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lehigh-university-libraries/accessioner/internal/providers"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{\"title\":\"Emma\",\"author\":\"Jane Austen\"}"}}]}`)
	}))
	defer srv.Close()

	got, err := New("sk-test", srv.URL).Complete(context.Background(), providers.Request{Model: "gpt-4o-mini", Prompt: "split"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != `{"title":"Emma","author":"Jane Austen"}` {
		t.Errorf("Unexpected response: %s", got)
	}
}

func TestCompleteWithoutChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	if _, err := New("sk-test", srv.URL).Complete(context.Background(), providers.Request{}); err == nil {
		t.Error("Expected error when no choices are returned")
	}
}

func TestCompleteRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("", "http://127.0.0.1:0").Complete(context.Background(), providers.Request{}); err == nil {
		t.Error("Expected error without API key")
	}
}
