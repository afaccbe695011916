package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for 404 responses, including empty chains.
	ErrNotFound = errors.New("ledger: not found")

	// ErrUnavailable is returned for 503 responses. The request may be retried.
	ErrUnavailable = errors.New("ledger: service unavailable")
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto ErrNotFound or ErrUnavailable.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	return nil
}

// Record is an audit record as returned by the API. PreviousHash is empty for
// the first record of a chain.
type Record struct {
	ID           string          `json:"id"`
	ChainID      string          `json:"chain_id"`
	SequenceKey  string          `json:"sequence_key"`
	Timestamp    time.Time       `json:"timestamp"`
	DataKind     string          `json:"data_kind"`
	Data         json.RawMessage `json:"data"`
	Hash         string          `json:"hash"`
	PreviousHash *string         `json:"previous_hash"`
}

// Sequence parses the record's sequence key.
func (r *Record) Sequence() (uint64, error) {
	return strconv.ParseUint(r.SequenceKey, 10, 64)
}

// Failure describes the first record that failed verification.
type Failure struct {
	Reason      string `json:"reason"`
	Position    int    `json:"position"`
	RecordID    string `json:"record_id,omitempty"`
	SequenceKey string `json:"sequence_key,omitempty"`
	Expected    string `json:"expected,omitempty"`
	Actual      string `json:"actual,omitempty"`
}

// VerifiedRecord is one entry of a successful verification.
type VerifiedRecord struct {
	RecordID    string    `json:"record_id"`
	SequenceKey string    `json:"sequence_key"`
	Timestamp   time.Time `json:"timestamp"`
	Hash        string    `json:"hash"`
}

// VerifyResult is the outcome of verifying one chain.
type VerifyResult struct {
	Verified    bool             `json:"verified"`
	ChainID     string           `json:"chain_id"`
	RecordCount int              `json:"record_count,omitempty"`
	Records     []VerifiedRecord `json:"records,omitempty"`
	Head        string           `json:"head,omitempty"`
	Failure     *Failure         `json:"failure,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// RecordPage is one page of a chain listing. NextAfter is zero on the last page.
type RecordPage struct {
	ChainID   string    `json:"chain_id"`
	Records   []*Record `json:"records"`
	Count     int       `json:"count"`
	NextAfter uint64    `json:"next_after,omitempty"`
}

// Token is a bearer token issued by POST /api/v1/auth/token.
type Token struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type"`
	ExpiresIn   int      `json:"expires_in"`
	Scopes      []string `json:"scopes"`
}

// Client talks to one ledger server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string

	// token state, guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a pre-issued token to every request. The token is
// never refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
		return nil
	}
}

// WithAPIKey makes the client exchange key for a bearer token on demand.
func WithAPIKey(key string) Option {
	return func(c *Client) error {
		if strings.TrimSpace(key) == "" {
			return errors.New("api key must not be empty")
		}
		c.apiKey = key
		return nil
	}
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FetchToken exchanges the configured API key for a token, caches it and
// returns it.
func (c *Client) FetchToken(ctx context.Context, subject string, scopes ...string) (*Token, error) {
	if c.apiKey == "" {
		return nil, errors.New("no api key configured")
	}
	payload, err := json.Marshal(map[string]any{
		"api_key": c.apiKey,
		"subject": subject,
		"scopes":  scopes,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/auth/token", bytes.NewReader(payload), "application/json")
	if err != nil {
		return nil, err
	}

	// The token endpoint authenticates by API key, not by an existing token.
	body, err := c.send(req)
	if err != nil {
		return nil, err
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 30 s before actual expiry to avoid clock-skew failures.
	const refreshBuffer = 30 * time.Second
	c.mu.Lock()
	c.bearerToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - refreshBuffer)
	c.mu.Unlock()
	return &tok, nil
}

// ensureToken returns the bearer token to attach, fetching a new one when an
// API key is configured and the cached token is absent or near expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.bearerToken, c.tokenExpiry
	c.mu.Unlock()

	if token != "" && (expiry.IsZero() || time.Now().Before(expiry)) {
		return token, nil
	}
	if c.apiKey == "" {
		return token, nil
	}
	tok, err := c.FetchToken(ctx, "")
	if err != nil {
		return "", fmt.Errorf("obtain token: %w", err)
	}
	return tok.AccessToken, nil
}

// Chains lists every non-empty chain.
func (c *Client) Chains(ctx context.Context) ([]string, error) {
	var resp struct {
		Chains []string `json:"chains"`
	}
	if err := c.getJSON(ctx, "/api/v1/chains", &resp); err != nil {
		return nil, err
	}
	return resp.Chains, nil
}

// Append submits body to chainID. The server records JSON objects and arrays
// as structured data and anything else as opaque metadata naming filename.
func (c *Client) Append(ctx context.Context, chainID string, body []byte, contentType, filename string) (*Record, error) {
	path := "/api/v1/chains/" + url.PathEscape(chainID) + "/records"
	if filename != "" {
		path += "?filename=" + url.QueryEscape(filename)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := c.doJSON(ctx, req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AppendJSON marshals v and appends it as structured data.
func (c *Client) AppendJSON(ctx context.Context, chainID string, v any) (*Record, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.Append(ctx, chainID, body, "application/json", "")
}

// Head returns the newest record of chainID.
func (c *Client) Head(ctx context.Context, chainID string) (*Record, error) {
	var rec Record
	if err := c.getJSON(ctx, "/api/v1/chains/"+url.PathEscape(chainID)+"/head", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Records returns up to limit records of chainID with sequence greater than
// after. A zero limit uses the server default.
func (c *Client) Records(ctx context.Context, chainID string, after uint64, limit int) (*RecordPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/chains/" + url.PathEscape(chainID) + "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page RecordPage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Verify asks the server to replay chainID.
func (c *Client) Verify(ctx context.Context, chainID string) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.getJSON(ctx, "/api/v1/chains/"+url.PathEscape(chainID)+"/verify", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IngestS3Event forwards an S3 event notification. On a partial failure the
// records already committed are returned with the error.
func (c *Client) IngestS3Event(ctx context.Context, event []byte) ([]*Record, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/ingest/s3", bytes.NewReader(event), "application/json")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Records []*Record `json:"records"`
	}
	err = c.doJSON(ctx, req, &resp)
	var apiErr *APIError
	if err != nil && !errors.As(err, &apiErr) {
		return nil, err
	}
	return resp.Records, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return c.doJSON(ctx, req, out)
}

// doJSON attaches the bearer token, sends req and decodes the response into
// out. Error responses are decoded into out as well before the error is
// returned.
func (c *Client) doJSON(ctx context.Context, req *http.Request, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	body, err := c.send(req)
	var apiErr *APIError
	if err != nil && !errors.As(err, &apiErr) {
		return err
	}
	if len(body) > 0 && out != nil {
		if derr := json.Unmarshal(body, out); derr != nil && err == nil {
			return fmt.Errorf("decode response: %w", derr)
		}
	}
	return err
}

// send executes req and returns the body. Non-2xx statuses yield an *APIError
// alongside the body.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return body, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
