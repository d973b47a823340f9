package alma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultPath    = "/api/v1/data"
	DefaultTimeout = 60 * time.Second
)

type Config struct {
	URL               string
	Path              string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, fmt.Errorf("alma url is required")
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	limit := rate.Inf
	burst := 1
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
		burst = max(1, int(config.RequestsPerSecond))
	}
	return &Client{
		endpoint:   strings.TrimRight(config.URL, "/") + "/" + strings.TrimLeft(config.Path, "/"),
		token:      config.Token,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("alma answered %d: %s", e.StatusCode, e.Body)
}

type Column struct {
	Name   string `json:"name"`
	Column string `json:"column"`
}

// Submission is one analytics page for one organisation unit.
type Submission struct {
	Scorecard string     `json:"scorecard"`
	OrgUnit   string     `json:"orgUnit"`
	Headers   []Column   `json:"headers"`
	Rows      [][]string `json:"rows"`
}

func (c *Client) Submit(ctx context.Context, submission Submission) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for alma rate limit: %w", err)
	}
	payload, err := json.Marshal(submission)
	if err != nil {
		return fmt.Errorf("failed encoding alma submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed building alma request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed submitting to alma: %w", err)
	}
	defer resp.Body.Close()
	log.WithFields(log.Fields{
		"orgUnit": submission.OrgUnit,
		"rows":    len(submission.Rows),
		"status":  resp.StatusCode,
	}).Debug("ALMA submission")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
