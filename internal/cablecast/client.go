// Package cablecast is a narrow, retry-aware client for the Cablecast VOD
// platform. The core treats Cablecast as opaque beyond these operations;
// the only write it performs is VOD creation.
package cablecast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Show is a Cablecast show record, trimmed to the fields show matching needs.
type Show struct {
	ID         int       `json:"id"`
	Title      string    `json:"title"`
	Project    string    `json:"project"` // producing channel / municipality label
	EventDate  time.Time `json:"eventDate"`
	LocationID int       `json:"locationId"`
}

// VOD is a Cablecast video-on-demand record.
type VOD struct {
	ID              int     `json:"id"`
	ShowID          int     `json:"showId"`
	State           string  `json:"state"` // "processing" | "complete" | "error"
	DurationSeconds float64 `json:"durationSeconds"`
	URL             string  `json:"url,omitempty"`
}

// ShowFilter narrows ListShows.
type ShowFilter struct {
	Search string
	After  time.Time
	Before time.Time
}

// Config comes straight from the operator configuration.
type Config struct {
	BaseURL        string
	APIKey         string
	LocationID     int
	RateLimit      rate.Limit // requests per second, default 2
	RateBurst      int        // default 5
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// Client is safe for concurrent use; the rate limiter is process-global by
// virtue of the client being shared across workers.
type Client struct {
	base       string
	apiKey     string
	locationID int
	http       *http.Client // bounded per-call timeout
	uploadHTTP *http.Client // no per-call timeout; uploads are context-bound
	limiter    *rate.Limiter
}

const clientRetries = 3

func New(cfg Config) *Client {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = 10 * time.Second
	}
	call := cfg.CallTimeout
	if call <= 0 {
		call = 60 * time.Second
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 2
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connect}).DialContext,
		TLSHandshakeTimeout: connect,
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		locationID: cfg.LocationID,
		http:       &http.Client{Timeout: call, Transport: transport},
		uploadHTTP: &http.Client{Transport: transport},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// ListShows returns shows for the configured location matching the filter.
func (c *Client) ListShows(ctx context.Context, filter ShowFilter) ([]Show, error) {
	q := url.Values{}
	q.Set("location", strconv.Itoa(c.locationID))
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if !filter.After.IsZero() {
		q.Set("after", filter.After.UTC().Format(time.RFC3339))
	}
	if !filter.Before.IsZero() {
		q.Set("before", filter.Before.UTC().Format(time.RFC3339))
	}
	var payload struct {
		Shows []Show `json:"shows"`
	}
	if err := c.getJSON(ctx, "ListShows", "/v1/shows?"+q.Encode(), &payload); err != nil {
		return nil, err
	}
	return payload.Shows, nil
}

// GetShow fetches one show by id.
func (c *Client) GetShow(ctx context.Context, id int) (Show, error) {
	var payload struct {
		Show Show `json:"show"`
	}
	if err := c.getJSON(ctx, "GetShow", "/v1/shows/"+strconv.Itoa(id), &payload); err != nil {
		return Show{}, err
	}
	return payload.Show, nil
}

// GetVOD fetches the processing state of a VOD.
func (c *Client) GetVOD(ctx context.Context, id int) (VOD, error) {
	var payload struct {
		VOD VOD `json:"vod"`
	}
	if err := c.getJSON(ctx, "GetVOD", "/v1/vods/"+strconv.Itoa(id), &payload); err != nil {
		return VOD{}, err
	}
	return payload.VOD, nil
}

// getJSON performs a GET with rate limiting and bounded internal retries on
// 5xx and transport errors. Business-level statuses surface immediately.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	operation := func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		c.authorize(req)
		res, err := c.http.Do(req)
		if err != nil {
			return nil, c.transportError(op, err)
		}
		defer res.Body.Close()
		body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return nil, c.transportError(op, err)
		}
		if apiErr := c.statusError(op, res.StatusCode, body); apiErr != nil {
			if errors.Is(apiErr, ErrServer) {
				return nil, apiErr // retryable
			}
			return nil, backoff.Permanent(apiErr)
		}
		return body, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(clientRetries),
	)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Err: err}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) transportError(op string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &APIError{Sentinel: ErrTimeout, Operation: op, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return &APIError{Sentinel: ErrUnavailable, Operation: op, Err: err}
}

func (c *Client) statusError(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return &APIError{Sentinel: ErrNotFound, Operation: op, Status: status}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &APIError{Sentinel: ErrUnauthorized, Operation: op, Status: status}
	case status >= 500:
		return &APIError{Sentinel: ErrServer, Operation: op, Status: status, Body: snippet(body)}
	default:
		return &APIError{Sentinel: ErrBadResponse, Operation: op, Status: status, Body: snippet(body)}
	}
}

func snippet(body []byte) string {
	const n = 256
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n]
	}
	return s
}
