package clari

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL    = "https://rest-api.copilot.clari.com"
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 5
	initialBackoff    = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
	maxErrorBody      = 1024
	maxResponseBody   = 64 << 20 // 64MB
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	APIPassword string
	UserAgent   string
	Timeout     time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialBackoff overrides the first retry delay (tests).
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client performs authenticated GET requests against the Clari Copilot API,
// retrying retriable failures with exponential backoff.
type Client struct {
	baseURL     string
	apiKey      string
	apiPassword string
	userAgent   string
	maxRetries  int
	backoff     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a Client from opts, filling in defaults.
func New(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = initialBackoff
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "claritap"
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      opts.APIKey,
		apiPassword: opts.APIPassword,
		userAgent:   userAgent,
		maxRetries:  maxRetries,
		backoff:     backoff,
		httpClient:  httpClient,
		logger:      logger,
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	URL        string
	Header     http.Header
	Body       []byte
}

// Success reports whether the status is 2xx.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ValidateFunc decides whether a response is usable. Returning an *APIError
// with Retriable set makes the client retry.
type ValidateFunc func(*Response) error

// DefaultValidate accepts 2xx, marks 429 and 5xx retriable and every other
// status fatal.
func DefaultValidate(resp *Response) error {
	if resp.Success() {
		return nil
	}
	body := string(resp.Body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &APIError{
		Status:    resp.StatusCode,
		URL:       resp.URL,
		Body:      strings.TrimSpace(body),
		Retriable: retriableStatus(resp.StatusCode),
	}
}

// AcceptStatus returns a ValidateFunc that treats the given statuses as valid
// responses and defers everything else to DefaultValidate.
func AcceptStatus(codes ...int) ValidateFunc {
	return func(resp *Response) error {
		for _, code := range codes {
			if resp.StatusCode == code {
				return nil
			}
		}
		return DefaultValidate(resp)
	}
}

// Get requests path with params. A nil validate means DefaultValidate.
func (c *Client) Get(ctx context.Context, path string, params url.Values, validate ValidateFunc) (*Response, error) {
	validate = WithRetryAfter(validate)
	reqURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoffFor(attempt, lastErr)
			c.logger.Warn("retrying request", "url", reqURL, "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := c.do(ctx, reqURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if IsRetriable(err) {
				continue
			}
			return nil, err
		}

		if err := validate(resp); err != nil {
			lastErr = err
			if IsRetriable(err) {
				continue
			}
			return nil, err
		}
		return resp, nil
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, reqURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{URL: reqURL, Retriable: retriableTransportError(err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &APIError{Status: resp.StatusCode, URL: reqURL, Retriable: true, Err: fmt.Errorf("reading body: %w", err)}
	}

	c.logger.Debug("upstream response", "url", reqURL, "status", resp.StatusCode, "bytes", len(body), "elapsed", time.Since(start))

	return &Response{
		StatusCode: resp.StatusCode,
		URL:        reqURL,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Password", c.apiPassword)
}

// backoffFor doubles the delay per attempt, capped, and honors a Retry-After
// header in seconds on rate-limit responses.
func (c *Client) backoffFor(attempt int, lastErr error) time.Duration {
	wait := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt-1)))
	if wait > maxBackoff {
		wait = maxBackoff
	}
	if ra, ok := lastErr.(*retryAfterError); ok && ra.after > 0 {
		return min(ra.after, maxBackoff)
	}
	return wait
}

// retryAfterError carries a server-provided retry delay.
type retryAfterError struct {
	*APIError
	after time.Duration
}

func (e *retryAfterError) Unwrap() error {
	return e.APIError
}

// WithRetryAfter wraps validate so that 429 responses carrying a Retry-After
// header delay the next attempt accordingly.
func WithRetryAfter(validate ValidateFunc) ValidateFunc {
	if validate == nil {
		validate = DefaultValidate
	}
	return func(resp *Response) error {
		err := validate(resp)
		if err == nil || resp.StatusCode != http.StatusTooManyRequests {
			return err
		}
		apiErr, ok := err.(*APIError)
		if !ok {
			return err
		}
		secs, convErr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
		if convErr != nil || secs <= 0 {
			return err
		}
		return &retryAfterError{APIError: apiErr, after: time.Duration(secs) * time.Second}
	}
}
