package transkribus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	DefaultBaseURL  = "https://transkribus.eu/TrpServer/rest"
	DefaultAuthURL  = "https://account.readcoop.eu/auth/realms/readcoop/protocol/openid-connect/token"
	DefaultClientID = "processing-api-client"
)

// ErrNotAuthenticated is returned by API calls made before Authenticate
var ErrNotAuthenticated = errors.New("transkribus client is not authenticated")

type Options struct {
	BaseURL        string
	AuthURL        string
	ClientID       string
	RequestTimeout time.Duration
	// MaxRetries applies to idempotent GETs only
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.AuthURL == "" {
		o.AuthURL = DefaultAuthURL
	}
	if o.ClientID == "" {
		o.ClientID = DefaultClientID
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout: o.RequestTimeout,
		}
	}
	return o
}

// Client talks to the Transkribus REST API
type Client struct {
	opts        Options
	httpClient  *http.Client
	accessToken string
}

func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:       opts,
		httpClient: opts.HTTPClient,
	}
}

// StatusError is returned when Transkribus answers with a non-success status
type StatusError struct {
	Call       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Transkribus %s returned status %d: %s", e.Call, e.StatusCode, e.Body)
}

// Token is the OpenID Connect token issued by ReadCoop
type Token struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
}

// Authenticate performs a password grant and keeps the access token for
// subsequent calls.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Token, error) {
	var token Token
	if username == "" || password == "" {
		return token, fmt.Errorf("transkribus username and password are required")
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	form.Set("client_id", c.opts.ClientID)

	body, err := c.send(ctx, "auth", false, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.AuthURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return token, fmt.Errorf("failed to authenticate with Transkribus: %w", err)
	}

	if err := json.Unmarshal(body, &token); err != nil {
		return token, fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return token, fmt.Errorf("token response has no access_token")
	}

	c.accessToken = token.AccessToken
	slog.Debug("Authenticated with Transkribus", "expires_in", token.ExpiresIn)
	return token, nil
}

// SetAccessToken reuses a token obtained elsewhere
func (c *Client) SetAccessToken(token string) {
	c.accessToken = token
}

// JobInfo is returned when a recognition job is queued
type JobInfo struct {
	JobID string `json:"jobId"`
}

// StartRecognition queues a PyLaia HTR job for the given pages of a document.
// pages uses Transkribus page range syntax, e.g. "1-4,7" or "all".
func (c *Client) StartRecognition(ctx context.Context, collectionID, docID, modelID int, pages string) (JobInfo, error) {
	var info JobInfo
	if pages == "" {
		pages = "all"
	}

	params := url.Values{}
	params.Set("id", strconv.Itoa(docID))
	params.Set("doLinePolygonSimplification", "true")
	params.Set("keepOriginalLinePolygons", "false")
	endpoint := fmt.Sprintf("%s/pylaia/%d/%d/recognition?%s", c.opts.BaseURL, collectionID, modelID, params.Encode())

	form := url.Values{}
	form.Set("pages", pages)

	body, err := c.send(ctx, "recognition", false, func(ctx context.Context) (*http.Request, error) {
		req, err := c.authorised(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return info, fmt.Errorf("failed to start recognition: %w", err)
	}

	info.JobID = parseJobID(body)
	if info.JobID == "" {
		return info, fmt.Errorf("recognition response has no job id: %s", string(body))
	}

	slog.Info("Text recognition job started",
		"job_id", info.JobID,
		"collection_id", collectionID,
		"doc_id", docID,
		"model_id", modelID)
	return info, nil
}

// parseJobID accepts {"jobId": 123}, {"jobId": "123"} or a bare id
func parseJobID(body []byte) string {
	var obj struct {
		JobID json.RawMessage `json:"jobId"`
	}
	if err := json.Unmarshal(body, &obj); err == nil && len(obj.JobID) > 0 {
		var s string
		if err := json.Unmarshal(obj.JobID, &s); err == nil {
			return s
		}
		return strings.TrimSpace(string(obj.JobID))
	}
	id := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if _, err := strconv.Atoi(id); err == nil {
		return id
	}
	return ""
}

// JobStatus describes a recognition job at the time it was checked
type JobStatus struct {
	JobID       string `json:"-"`
	State       string `json:"state"`
	Progress    int    `json:"progress"`
	TotalWork   int    `json:"totalWork"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
}

// Finished reports whether the job has reached a terminal state
func (s JobStatus) Finished() bool {
	switch strings.ToUpper(s.State) {
	case "FINISHED", "FAILED", "CANCELED":
		return true
	}
	return false
}

// JobStatus checks a job once. Polling is left to the caller.
func (c *Client) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var status JobStatus
	endpoint := fmt.Sprintf("%s/jobs/%s", c.opts.BaseURL, url.PathEscape(jobID))

	body, err := c.send(ctx, "job status", true, func(ctx context.Context) (*http.Request, error) {
		req, err := c.authorised(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return status, fmt.Errorf("failed to check job status: %w", err)
	}

	if err := json.Unmarshal(body, &status); err != nil {
		return status, fmt.Errorf("failed to decode job status: %w", err)
	}
	status.JobID = jobID
	return status, nil
}

// DocumentManifest fetches the full document description, including the
// image and transcript URLs of every page.
func (c *Client) DocumentManifest(ctx context.Context, collectionID, docID int) (*Manifest, error) {
	endpoint := fmt.Sprintf("%s/collections/%d/%d/fulldoc", c.opts.BaseURL, collectionID, docID)

	body, err := c.send(ctx, "fulldoc", true, func(ctx context.Context) (*http.Request, error) {
		req, err := c.authorised(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get document manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode document manifest: %w", err)
	}
	return &manifest, nil
}

// Download fetches a page image or transcript. File URLs are pre-signed, so
// no token is sent.
func (c *Client) Download(ctx context.Context, fileURL string) ([]byte, error) {
	return c.send(ctx, "download", true, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	})
}

func (c *Client) authorised(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	if c.accessToken == "" {
		return nil, ErrNotAuthenticated
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	return req, nil
}

// send performs one request, repeating idempotent ones on 5xx and network
// failures.
func (c *Client) send(ctx context.Context, call string, idempotent bool, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	attempts := uint(1)
	if idempotent {
		attempts = uint(c.opts.MaxRetries + 1)
	}

	var body []byte
	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()

			req, err := build(reqCtx)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to call Transkribus %s: %w", call, err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read Transkribus %s response: %w", call, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return &StatusError{Call: call, StatusCode: resp.StatusCode, Body: string(data)}
			}

			body = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.opts.RetryDelay),
		retry.MaxDelay(10*c.opts.RetryDelay),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil {
				return false
			}
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				return statusErr.StatusCode >= 500
			}
			return true
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}
