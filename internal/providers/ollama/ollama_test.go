package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lehigh-university-libraries/accessioner/internal/providers"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["model"] != "llama3" || body["stream"] != false {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"response": `{"title":"Emma","author":"Jane Austen"}`})
	}))
	defer srv.Close()

	got, err := New(srv.URL).Complete(context.Background(), providers.Request{Model: "llama3", Prompt: "split"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != `{"title":"Emma","author":"Jane Austen"}` {
		t.Errorf("Unexpected response: %s", got)
	}
}

func TestCompleteReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Complete(context.Background(), providers.Request{Model: "missing"}); err == nil {
		t.Error("Expected error for non-200 response")
	}
}
