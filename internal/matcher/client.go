// Package matcher hands ranked candidates to the downstream matching service,
// which does the fine-grained image and text comparison.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/maltedev/visual-search-scraper/internal/models"
)

var ErrNotConfigured = errors.New("matcher URL is not configured")

type Submission struct {
	JobID     string                `json:"job_id"`
	ImagePath string                `json:"image_path"`
	Keywords  []string              `json:"keywords,omitempty"`
	Results   []models.SearchResult `json:"results"`
}

type Ack struct {
	Accepted  int    `json:"accepted"`
	RequestID string `json:"request_id,omitempty"`
}

type ClientOpts struct {
	BaseURL    string
	Timeout    time.Duration
	Token      string
	RetryCount int
}

type Client struct {
	httpClient *resty.Client
	baseURL    string
}

func NewClient(opts ClientOpts) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	c := &Client{baseURL: strings.TrimRight(opts.BaseURL, "/")}
	c.httpClient = resty.New().
		SetBaseURL(c.baseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(res *resty.Response, err error) bool {
			return err != nil || res.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeaders(map[string]string{
			"Accept":     "application/json",
			"User-Agent": "visual-search-scraper",
		})
	if opts.Token != "" {
		c.httpClient.SetAuthToken(opts.Token)
	}

	return c
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// SubmitCandidates posts the ranked results of one search. Any non-2xx
// response is an error.
func (c *Client) SubmitCandidates(ctx context.Context, sub Submission) (*Ack, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	if sub.Results == nil {
		sub.Results = []models.SearchResult{}
	}

	ack := &Ack{}
	_, err := handleError(c.httpClient.NewRequest().
		SetContext(ctx).
		SetBody(sub).
		SetResult(ack).
		Post("/candidates"))
	if err != nil {
		return nil, fmt.Errorf("failed to submit candidates for job %s: %w", sub.JobID, err)
	}

	return ack, nil
}

// handleError turns failing responses (>399) into errors; resty alone reports
// them with a nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return res, nil
}
