package api

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
	"time"

	"go-civitai-crawler/internal/helpers"
	"go-civitai-crawler/internal/metrics"
	"go-civitai-crawler/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited     = errors.New("API rate limit exceeded")
	ErrUnauthorized    = errors.New("API request unauthorized (check API key)")
	ErrNotFound        = errors.New("API resource not found")
	ErrServerError     = errors.New("API server error")
	ErrInvalidResponse = errors.New("API response has unexpected shape")
)

// FetchError describes a failed request. Body holds the parsed error body when
// the server sent JSON, otherwise the raw text.
type FetchError struct {
	StatusCode int
	Body       interface{}
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Page is one page of a list endpoint.
type Page struct {
	URL        string
	RequestKey string
	Items      []json.RawMessage
	NextCursor string
}

// Client struct for interacting with the Civitai API
type Client struct {
	BaseURL     string
	ApiKey      string
	HttpClient  *http.Client
	MaxAttempts int
	RetryBase   time.Duration

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	log   *log.Entry
}

// NewClient creates a new API client. The http client's Timeout bounds every attempt.
func NewClient(httpClient *http.Client, cfg models.Config) *Client {
	if httpClient == nil {
		timeout := time.Duration(cfg.ApiClientTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimSuffix(cfg.ApiBaseUrl, "/")
	if baseURL == "" {
		baseURL = "https://civitai.com/api/v1"
	}
	attempts := cfg.ApiMaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	base := time.Duration(cfg.ApiRetryBaseMs) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}

	return &Client{
		BaseURL:     baseURL,
		ApiKey:      cfg.ApiKey,
		HttpClient:  httpClient,
		MaxAttempts: attempts,
		RetryBase:   base,
		sleep:       sleepContext,
		log:         log.WithField("component", "api"),
	}
}

// URL builds the canonical request URL for path and params. Equal parameter
// sets always produce the same string.
func (c *Client) URL(path string, params url.Values) string {
	u := c.BaseURL + "/" + strings.TrimPrefix(path, "/")
	if q := helpers.CanonicalQuery(params); q != "" {
		u += "?" + q
	}
	return u
}

// Fetch requests one page of a list endpoint.
func (c *Client) Fetch(ctx context.Context, path string, params url.Values) (Page, error) {
	return c.FetchURL(ctx, c.URL(path, params))
}

// FetchURL requests one page from a full list URL, e.g. a run's stored URL.
func (c *Client) FetchURL(ctx context.Context, rawURL string) (Page, error) {
	reqURL, err := helpers.CanonicalURL(rawURL)
	if err != nil {
		return Page{}, &FetchError{URL: rawURL, Err: err}
	}

	body, err := c.get(ctx, reqURL)
	if err != nil {
		return Page{}, err
	}

	items, cursor, err := decodeList(body)
	if err != nil {
		c.log.WithError(err).WithField("url", reqURL).Debugf("Response body causing decode error: %s", truncate(body, 512))
		return Page{}, &FetchError{StatusCode: http.StatusOK, URL: reqURL, Err: err}
	}

	return Page{
		URL:        reqURL,
		RequestKey: helpers.RequestKey(reqURL),
		Items:      items,
		NextCursor: cursor,
	}, nil
}

// GetModel fetches /models/{id}.
func (c *Client) GetModel(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.getEntity(ctx, c.URL("models/"+strconv.FormatInt(id, 10), nil))
}

// GetModelVersion fetches /model-versions/{id}.
func (c *Client) GetModelVersion(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.getEntity(ctx, c.URL("model-versions/"+strconv.FormatInt(id, 10), nil))
}

// GetModelVersionByHash fetches /model-versions/by-hash/{hash}.
func (c *Client) GetModelVersionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.getEntity(ctx, c.URL("model-versions/by-hash/"+url.PathEscape(hash), nil))
}

func (c *Client) getEntity(ctx context.Context, reqURL string) (json.RawMessage, error) {
	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	if err := validateEntity(body); err != nil {
		return nil, &FetchError{StatusCode: http.StatusOK, URL: reqURL, Err: err}
	}
	return json.RawMessage(body), nil
}

// get performs a GET with retries on transient failures. The delay before
// attempt n+1 is n² × RetryBase.
func (c *Client) get(ctx context.Context, reqURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		start := time.Now()
		body, retryable, err := c.do(ctx, reqURL)
		if err == nil {
			metrics.ObserveAPIRequest("ok", time.Since(start))
			return body, nil
		}
		lastErr = err

		if !retryable || ctx.Err() != nil {
			metrics.ObserveAPIRequest("error", time.Since(start))
			return nil, err
		}
		if attempt == c.MaxAttempts {
			metrics.ObserveAPIRequest("error", time.Since(start))
			c.log.WithError(err).Errorf("Request failed after %d attempts", c.MaxAttempts)
			break
		}

		metrics.ObserveAPIRequest("retry", time.Since(start))
		delay := time.Duration(attempt*attempt) * c.RetryBase
		c.log.WithError(err).Warnf("Retrying (%d/%d) after %s...", attempt, c.MaxAttempts, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, &FetchError{URL: reqURL, Err: err}
		}
	}
	return nil, lastErr
}

// do runs a single attempt and reports whether its failure is worth retrying.
func (c *Client) do(ctx context.Context, reqURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, &FetchError{URL: reqURL, Err: fmt.Errorf("error creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.ApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.ApiKey)
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, true, &FetchError{URL: reqURL, Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &FetchError{StatusCode: resp.StatusCode, URL: reqURL, Err: fmt.Errorf("error reading response body: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, false, nil
	}

	fe := &FetchError{StatusCode: resp.StatusCode, URL: reqURL, Body: parseErrorBody(body)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		fe.Err = ErrRateLimited
		return nil, true, fe
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		fe.Err = ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		fe.Err = ErrNotFound
	case resp.StatusCode >= 500:
		fe.Err = ErrServerError
		return nil, true, fe
	default:
		fe.Err = fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}
	return nil, false, fe
}

// decodeList checks the {items: [...], metadata: {...}} envelope. Every item must be an object.
func decodeList(body []byte) ([]json.RawMessage, string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	rawItems, ok := envelope["items"]
	if !ok {
		return nil, "", fmt.Errorf("%w: missing items", ErrInvalidResponse)
	}
	var resp models.ListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.Items == nil && !bytes.Equal(bytes.TrimSpace(rawItems), []byte("[]")) {
		return nil, "", fmt.Errorf("%w: items is not an array", ErrInvalidResponse)
	}
	for i, item := range resp.Items {
		if !isObject(item) {
			return nil, "", fmt.Errorf("%w: item %d is not an object", ErrInvalidResponse, i)
		}
	}
	return resp.Items, string(resp.Metadata.NextCursor), nil
}

func validateEntity(body []byte) error {
	var probe struct {
		ID *json.Number `json:"id"`
	}
	if !isObject(body) {
		return fmt.Errorf("%w: not an object", ErrInvalidResponse)
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if probe.ID == nil {
		return fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	return nil
}

func isObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func parseErrorBody(body []byte) interface{} {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return truncate(body, 1024)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
