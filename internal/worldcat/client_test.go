package worldcat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type fakeOCLC struct {
	tokenCalls atomic.Int64
	apiCalls   atomic.Int64
	expiresIn  int
	api        http.HandlerFunc
}

func (f *fakeOCLC) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		key, secret, ok := r.BasicAuth()
		if !ok || key != "key" || secret != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("scope") != Scope {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tk-%d","token_type":"bearer","expires_in":%d}`, f.tokenCalls.Load(), f.expiresIn)
	})
	mux.HandleFunc("/worldcat/", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		if r.Header.Get("User-Agent") != UserAgent {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.api(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(srv *httptest.Server) Options {
	return Options{
		BaseURL:        srv.URL,
		TokenURL:       srv.URL + "/token",
		Key:            "key",
		Secret:         "secret",
		RequestTimeout: time.Second,
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

const briefBody = `{
  "numberOfRecords": 2,
  "briefRecords": [
    {"oclcNumber": "40139019", "title": "The old man and the sea", "creator": "Ernest Hemingway", "date": "1995", "isbns": ["9780684801223"]},
    {"oclcNumber": "1016", "title": "The old man and the sea", "creator": "Hemingway, Ernest", "mergedOclcNumbers": ["99"]}
  ]
}`

func TestSearchBriefDecodesRecordsAndReusesToken(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/worldcat/search/brief-bibs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tk-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		if q.Get("q") != "bn:9780684801223" || q.Get("orderBy") != "bestMatch" || q.Get("limit") != "10" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, briefBody)
	}
	client := NewClient(testOptions(f.server(t)))

	for i := 0; i < 3; i++ {
		result, err := client.SearchBrief(context.Background(), "bn:9780684801223")
		if err != nil {
			t.Fatalf("SearchBrief failed: %v", err)
		}
		if result.NumberOfRecords != 2 || len(result.Records) != 2 {
			t.Fatalf("Unexpected result: %+v", result)
		}
		if result.Records[0].OCLCNumber != "40139019" || result.Records[1].MergedOCLCNumbers[0] != "99" {
			t.Errorf("Records decoded incorrectly: %+v", result.Records)
		}
		if result.Query != "bn:9780684801223" {
			t.Errorf("Expected query to be recorded, got %q", result.Query)
		}
	}

	if got := f.tokenCalls.Load(); got != 1 {
		t.Errorf("Expected token to be fetched once, got %d", got)
	}
}

func TestSearchBriefEmptyResponse(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"numberOfRecords": 0}`)
	}
	client := NewClient(testOptions(f.server(t)))

	result, err := client.SearchBrief(context.Background(), `ti:"Nothing" AND au:"Nobody"`)
	if err != nil {
		t.Fatalf("SearchBrief failed: %v", err)
	}
	if result.Records == nil || len(result.Records) != 0 {
		t.Errorf("Expected empty non-nil records, got %#v", result.Records)
	}
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	// expires_in below the refresh margin forces a new token every call
	f := &fakeOCLC{expiresIn: 30}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"numberOfRecords": 0, "briefRecords": []}`)
	}
	client := NewClient(testOptions(f.server(t)))

	for i := 0; i < 2; i++ {
		if _, err := client.SearchBrief(context.Background(), "bn:1"); err != nil {
			t.Fatalf("SearchBrief failed: %v", err)
		}
	}
	if got := f.tokenCalls.Load(); got != 2 {
		t.Errorf("Expected 2 token fetches, got %d", got)
	}
}

func TestFetchFullReturnsMARCXML(t *testing.T) {
	const marc = `<record xmlns="http://www.loc.gov/MARC21/slim"><controlfield tag="001">40139019</controlfield></record>`
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/worldcat/manage/bibs/40139019" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Accept") != "application/marcxml+xml" {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		fmt.Fprint(w, marc)
	}
	client := NewClient(testOptions(f.server(t)))

	record, err := client.FetchFull(context.Background(), "40139019")
	if err != nil {
		t.Fatalf("FetchFull failed: %v", err)
	}
	if record.OCLCNumber != "40139019" || record.MARCXML != marc {
		t.Errorf("Unexpected record: %+v", record)
	}
}

func TestRetriesRateLimitedCalls(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		if f.apiCalls.Load() < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, briefBody)
	}
	client := NewClient(testOptions(f.server(t)))

	result, err := client.SearchBrief(context.Background(), "bn:9780684801223")
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if len(result.Records) != 2 {
		t.Errorf("Expected 2 records, got %d", len(result.Records))
	}
	if got := f.apiCalls.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestRetryAfterOverridesBackoffCap(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		if f.apiCalls.Load() == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, briefBody)
	}
	opts := testOptions(f.server(t))
	opts.BackoffMax = 50 * time.Millisecond
	client := NewClient(opts)

	start := time.Now()
	if _, err := client.SearchBrief(context.Background(), "bn:9780684801223"); err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("Retry-After of 1s not honoured, retried after %v", elapsed)
	}
	if got := f.apiCalls.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestBackoffIsCappedWithoutRetryAfter(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		if f.apiCalls.Load() < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, briefBody)
	}
	opts := testOptions(f.server(t))
	opts.BackoffInitial = 200 * time.Millisecond
	opts.BackoffMax = 10 * time.Millisecond
	client := NewClient(opts)

	start := time.Now()
	if _, err := client.SearchBrief(context.Background(), "bn:9780684801223"); err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("Backoff not capped at BackoffMax, took %v", elapsed)
	}
}

func TestRetriesExhaustedReturnsStatusError(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "down for maintenance")
	}
	opts := testOptions(f.server(t))
	opts.MaxRetries = 1
	client := NewClient(opts)

	_, err := client.FetchFull(context.Background(), "1")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Body != "down for maintenance" {
		t.Errorf("Unexpected status error: %+v", statusErr)
	}
	if got := f.apiCalls.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}
	client := NewClient(testOptions(f.server(t)))

	_, err := client.FetchFull(context.Background(), "404")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 StatusError, got %v", err)
	}
	if got := f.apiCalls.Load(); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
}

func TestTimeoutIsReportedAsFailure(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	opts := testOptions(f.server(t))
	opts.RequestTimeout = 20 * time.Millisecond
	opts.MaxRetries = 0
	client := NewClient(opts)

	// token fetch is fast; only the data call stalls
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	start := time.Now()
	if _, err := client.SearchBrief(context.Background(), "bn:1"); err == nil {
		t.Fatal("Expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Timeout not enforced, call took %v", elapsed)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	f := &fakeOCLC{expiresIn: 1199}
	f.api = func(w http.ResponseWriter, r *http.Request) {}
	srv := f.server(t)

	t.Run("missing credentials", func(t *testing.T) {
		opts := testOptions(srv)
		opts.Secret = ""
		if err := NewClient(opts).Authenticate(context.Background()); !errors.Is(err, ErrMissingCredentials) {
			t.Errorf("Expected ErrMissingCredentials, got %v", err)
		}
	})

	t.Run("rejected credentials", func(t *testing.T) {
		opts := testOptions(srv)
		opts.Secret = "wrong"
		err := NewClient(opts).Authenticate(context.Background())
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Expected 401 StatusError, got %v", err)
		}
		if statusErr.Transient() {
			t.Error("Rejected credentials should not be retried")
		}
	})
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{"3600", maxRetryAfter},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{"soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := parseRetryAfter(tt.value, now); got != tt.expected {
				t.Errorf("parseRetryAfter(%q) = %v, expected %v", tt.value, got, tt.expected)
			}
		})
	}
}
