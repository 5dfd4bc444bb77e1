package transkribus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(Options{
		BaseURL:    srv.URL + "/rest",
		AuthURL:    srv.URL + "/auth",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	return client, srv
}

func TestAuthenticate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "password" || r.Form.Get("client_id") != DefaultClientID {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("username") != "cataloguer" || r.Form.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"abc","refresh_token":"def","expires_in":300,"token_type":"Bearer"}`)
	})
	client, _ := newTestClient(t, mux)

	t.Run("valid credentials", func(t *testing.T) {
		token, err := client.Authenticate(context.Background(), "cataloguer", "secret")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if token.AccessToken != "abc" || token.ExpiresIn != 300 {
			t.Errorf("Unexpected token: %+v", token)
		}
	})

	t.Run("rejected credentials", func(t *testing.T) {
		_, err := client.Authenticate(context.Background(), "cataloguer", "wrong")
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Expected 401 StatusError, got %v", err)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		if _, err := client.Authenticate(context.Background(), "", ""); err == nil {
			t.Error("Expected error for empty credentials")
		}
	})
}

func TestStartRecognition(t *testing.T) {
	var posts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/pylaia/2142572/51170/recognition", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("id") != "99" || q.Get("doLinePolygonSimplification") != "true" || q.Get("keepOriginalLinePolygons") != "false" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("pages") != "1-4" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"jobId": 12345}`)
	})
	client, _ := newTestClient(t, mux)

	if _, err := client.StartRecognition(context.Background(), 2142572, 99, 51170, "1-4"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Expected ErrNotAuthenticated, got %v", err)
	}

	client.SetAccessToken("tok")
	info, err := client.StartRecognition(context.Background(), 2142572, 99, 51170, "1-4")
	if err != nil {
		t.Fatalf("StartRecognition failed: %v", err)
	}
	if info.JobID != "12345" {
		t.Errorf("Expected job 12345, got %q", info.JobID)
	}
	if posts.Load() != 1 {
		t.Errorf("Expected a single POST, got %d", posts.Load())
	}
}

func TestRecognitionIsNotRetried(t *testing.T) {
	var posts atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/pylaia/1/2/recognition", func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	client, _ := newTestClient(t, mux)
	client.SetAccessToken("tok")

	if _, err := client.StartRecognition(context.Background(), 1, 3, 2, ""); err == nil {
		t.Fatal("Expected error")
	}
	if posts.Load() != 1 {
		t.Errorf("Expected recognition to be attempted once, got %d", posts.Load())
	}
}

func TestParseJobID(t *testing.T) {
	tests := []struct {
		body     string
		expected string
	}{
		{`{"jobId": 12345}`, "12345"},
		{`{"jobId": "678"}`, "678"},
		{`91011`, "91011"},
		{`"1213"`, "1213"},
		{`{"message": "queued"}`, ""},
		{`not a job`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			if got := parseJobID([]byte(tt.body)); got != tt.expected {
				t.Errorf("parseJobID(%s) = %q, expected %q", tt.body, got, tt.expected)
			}
		})
	}
}

func TestJobStatusRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/jobs/12345", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"jobId": 12345, "state": "RUNNING", "progress": 3, "totalWork": 8, "description": "PyLaia"}`)
	})
	client, _ := newTestClient(t, mux)
	client.SetAccessToken("tok")

	status, err := client.JobStatus(context.Background(), "12345")
	if err != nil {
		t.Fatalf("JobStatus failed: %v", err)
	}
	if status.JobID != "12345" || status.State != "RUNNING" || status.Progress != 3 || status.TotalWork != 8 {
		t.Errorf("Unexpected status: %+v", status)
	}
	if status.Finished() {
		t.Error("RUNNING job should not be finished")
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestJobStatusFinished(t *testing.T) {
	tests := []struct {
		state    string
		expected bool
	}{
		{"CREATED", false},
		{"RUNNING", false},
		{"FINISHED", true},
		{"failed", true},
		{"CANCELED", true},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := (JobStatus{State: tt.state}).Finished(); got != tt.expected {
				t.Errorf("Finished() = %v for %s", got, tt.state)
			}
		})
	}
}

func manifestJSON(base string) string {
	return fmt.Sprintf(`{
  "md": {"docId": 99, "title": "Drawer 12", "nrOfPages": 4},
  "pageList": {"pages": [
    {"pageNr": 1, "url": "%[1]s/files/p1.jpg", "tsList": {"transcripts": [{"tsId": 11, "url": "%[1]s/files/p1.xml"}, {"tsId": 10, "url": "%[1]s/files/old.xml"}]}},
    {"pageNr": 2, "url": "%[1]s/files/p2.jpg", "tsList": {"transcripts": [{"tsId": 21, "url": "%[1]s/files/p2.xml"}]}},
    {"pageNr": 3, "url": "%[1]s/files/p3.jpg", "tsList": {"transcripts": [{"tsId": 31, "url": "%[1]s/files/missing.xml"}]}},
    {"pageNr": 4, "url": "%[1]s/files/p4.jpg", "tsList": {"transcripts": [{"tsId": 41, "url": "%[1]s/files/p4.xml"}]}}
  ]}
}`, base)
}

func TestDocumentManifestAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/rest/collections/2142572/99/fulldoc", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, manifestJSON(base))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/missing.xml" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	})
	client, srv := newTestClient(t, mux)
	base = srv.URL
	client.SetAccessToken("tok")

	manifest, err := client.DocumentManifest(context.Background(), 2142572, 99)
	if err != nil {
		t.Fatalf("DocumentManifest failed: %v", err)
	}
	if len(manifest.PageList.Pages) != 4 || manifest.MD.Title != "Drawer 12" {
		t.Fatalf("Unexpected manifest: %+v", manifest)
	}

	out := t.TempDir()
	var progressOut strings.Builder
	saved, err := client.DownloadDocument(context.Background(), 99, manifest, out, &progressOut)
	if err != nil {
		t.Fatalf("DownloadDocument failed: %v", err)
	}
	if saved != 3 {
		t.Errorf("Expected 3 pages saved, got %d", saved)
	}
	expectedProgress := "Progress: 1/4 pages downloaded\nProgress: 2/4 pages downloaded\nProgress: 3/4 pages downloaded\n"
	if progressOut.String() != expectedProgress {
		t.Errorf("Progress output = %q, expected %q", progressOut.String(), expectedProgress)
	}

	expected := map[string]string{
		"0_title.jpg": "content of /files/p1.jpg",
		"0_title.xml": "content of /files/p1.xml",
		"0_isbn.jpg":  "content of /files/p2.jpg",
		"0_isbn.xml":  "content of /files/p2.xml",
		"1_isbn.xml":  "content of /files/p4.xml",
	}
	for name, content := range expected {
		data, err := os.ReadFile(filepath.Join(out, "99", name))
		if err != nil {
			t.Errorf("missing %s: %v", name, err)
			continue
		}
		if string(data) != content {
			t.Errorf("%s = %q, expected %q", name, data, content)
		}
	}

	for _, name := range []string{"1_title.jpg", "1_title.xml"} {
		if _, err := os.Stat(filepath.Join(out, "99", name)); !os.IsNotExist(err) {
			t.Errorf("Expected failed page %s to be skipped", name)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(out, "99", ".download-*"))
	if len(leftovers) != 0 {
		t.Errorf("Temp files left behind: %v", leftovers)
	}
}

func TestPlanPages(t *testing.T) {
	manifest := &Manifest{}
	for nr := 1; nr <= 5; nr++ {
		manifest.PageList.Pages = append(manifest.PageList.Pages, Page{PageNr: nr, URL: fmt.Sprintf("img%d", nr)})
	}

	plans := PlanPages(manifest)
	expected := []string{"0_title", "0_isbn", "1_title", "1_isbn", "2_title"}
	if len(plans) != len(expected) {
		t.Fatalf("Expected %d plans, got %d", len(expected), len(plans))
	}
	for i, plan := range plans {
		if plan.BaseName() != expected[i] {
			t.Errorf("page %d: got %s, expected %s", i+1, plan.BaseName(), expected[i])
		}
		if plan.TranscriptURL != "" {
			t.Errorf("page %d: expected no transcript URL", i+1)
		}
	}

	if PlanPages(nil) != nil {
		t.Error("Expected nil plans for nil manifest")
	}
}
