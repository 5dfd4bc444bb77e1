package worldcat

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
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/lehigh-university-libraries/accessioner/internal/models"
)

const (
	DefaultBaseURL  = "https://metadata.api.oclc.org"
	DefaultTokenURL = "https://oauth.oclc.org/token"
	Scope           = "WorldCatMetadataAPI"
	UserAgent       = "Convert-a-Card/1.0"

	// tokens are refreshed this long before OCLC says they expire
	tokenRefreshMargin = 60 * time.Second
	maxRetryAfter      = time.Minute
)

// ErrMissingCredentials is returned when no client key or secret is configured
var ErrMissingCredentials = errors.New("OCLC client key and secret are required")

// Options configures the WorldCat Metadata API client
type Options struct {
	BaseURL  string
	TokenURL string
	Key      string
	Secret   string

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration
	// RateLimitRPS is shared by every caller of the client. Set to <=0 to disable.
	RateLimitRPS float64
	MaxRetries   int

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Limit caps the number of brief records per search
	Limit       int
	ItemSubType string

	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.TokenURL == "" {
		o.TokenURL = DefaultTokenURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{
			Timeout: o.RequestTimeout,
		}
	}
	return o
}

// Client talks to the WorldCat Metadata API v2
type Client struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewClient creates a new WorldCat client
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	return &Client{
		opts:       opts,
		httpClient: opts.HTTPClient,
		limiter:    limiter,
		now:        time.Now,
	}
}

// StatusError is returned when the API answers with a non-success status
type StatusError struct {
	Call       string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("WorldCat %s returned status %d: %s", e.Call, e.StatusCode, e.Body)
}

// Transient reports whether the request is worth repeating. A 401 from a
// data call means the cached token went stale; from the token endpoint it
// means the credentials are wrong.
func (e *StatusError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusUnauthorized:
		return e.Call != "token"
	default:
		return false
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Authenticate obtains an access token, reusing the cached one while it is
// still valid.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.accessToken(ctx)
	return err
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(tokenRefreshMargin).Before(c.expiresAt) {
		return c.token, nil
	}
	if c.opts.Key == "" || c.opts.Secret == "" {
		return "", ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.opts.Key, c.opts.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request OCLC token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &StatusError{Call: "token", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("OCLC token response has no access_token")
	}

	c.token = tok.AccessToken
	c.expiresAt = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	slog.Debug("Obtained OCLC access token", "expires_in", tok.ExpiresIn)
	return c.token, nil
}

func (c *Client) invalidateToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

type briefBibsResponse struct {
	NumberOfRecords int                  `json:"numberOfRecords"`
	BriefRecords    []models.BriefRecord `json:"briefRecords"`
}

// SearchBrief runs a brief-bibs search. An empty result is not an error.
func (c *Client) SearchBrief(ctx context.Context, query string) (models.BriefResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(c.opts.Limit))
	params.Set("orderBy", "bestMatch")
	if c.opts.ItemSubType != "" {
		params.Set("itemSubType", c.opts.ItemSubType)
	}
	endpoint := c.opts.BaseURL + "/worldcat/search/brief-bibs?" + params.Encode()

	body, err := c.get(ctx, "brief-bibs", endpoint, "application/json")
	if err != nil {
		return models.BriefResult{Query: query}, err
	}

	var parsed briefBibsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.BriefResult{Query: query}, fmt.Errorf("failed to decode brief-bibs response: %w", err)
	}

	records := parsed.BriefRecords
	if records == nil {
		records = []models.BriefRecord{}
	}
	return models.BriefResult{
		Query:           query,
		NumberOfRecords: parsed.NumberOfRecords,
		Records:         records,
	}, nil
}

// FetchFull retrieves the MARCXML record for an OCLC number
func (c *Client) FetchFull(ctx context.Context, oclcNumber string) (models.FullRecord, error) {
	endpoint := c.opts.BaseURL + "/worldcat/manage/bibs/" + url.PathEscape(oclcNumber)

	body, err := c.get(ctx, "manage-bibs", endpoint, "application/marcxml+xml")
	if err != nil {
		return models.FullRecord{}, err
	}

	return models.FullRecord{
		OCLCNumber: oclcNumber,
		MARCXML:    string(body),
	}, nil
}

// get issues a rate-limited, authenticated GET, retrying transient failures
// with exponential backoff or the server's Retry-After.
func (c *Client) get(ctx context.Context, call, endpoint, accept string) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(err)
				}
			}

			reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()

			token, err := c.accessToken(reqCtx)
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", accept)
			req.Header.Set("User-Agent", UserAgent)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to call WorldCat %s: %w", call, err)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read WorldCat %s response: %w", call, err)
			}

			if resp.StatusCode != http.StatusOK {
				if resp.StatusCode == http.StatusUnauthorized {
					c.invalidateToken(token)
				}
				return &StatusError{
					Call:       call,
					StatusCode: resp.StatusCode,
					Body:       string(data),
					RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
				}
			}

			body = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.opts.MaxRetries+1)),
		retry.Delay(c.opts.BackoffInitial),
		// BackoffMax caps our own backoff only; a server-directed wait is
		// bounded by maxRetryAfter when parsed.
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
				return statusErr.RetryAfter
			}
			return min(retry.BackOffDelay(n, err, config), c.opts.BackoffMax)
		}),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && isTransient(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("Retrying WorldCat call", "call", call, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// parseRetryAfter accepts either delay-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	}
	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
