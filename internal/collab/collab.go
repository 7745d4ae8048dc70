// Package collab talks to the content service that writes and publishes
// articles and proposes new topics. The robot only decides when to call it.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"postrobot/internal/observability/metrics"
	"postrobot/internal/schedule"
	"postrobot/internal/topics"
	logx "postrobot/pkg/logx"
)

// PublishRequest asks the content service to write and publish one article.
type PublishRequest struct {
	Shop           string        `json:"shop"`
	Topic          string        `json:"topic"`
	Intent         topics.Intent `json:"intent"`
	Mode           schedule.Mode `json:"mode"`
	IdempotencyKey string        `json:"-"`
}

// PublishResult is the content service's answer. Success false with a nil
// error is a collaborator-reported failure; Error carries its detail.
type PublishResult struct {
	Success   bool   `json:"success"`
	ArticleID string `json:"articleId"`
	Title     string `json:"title"`
	Published bool   `json:"published"`
	Error     string `json:"error"`
}

// GenerateRequest asks for a batch of new topics.
type GenerateRequest struct {
	Shop                string `json:"shop"`
	BatchSize           int    `json:"batchSize"`
	IncludeProductPosts bool   `json:"includeProductPosts"`
	BusinessName        string `json:"businessName,omitempty"`
}

type generateResponse struct {
	Topics []topics.Topic `json:"topics"`
	Error  string         `json:"error"`
}

// Config configures Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is a JSON-over-HTTP implementation of the publish and topic
// generation collaborators.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   logx.Logger
}

var ErrNotConfigured = errors.New("collab: base_url not configured")

func New(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:  strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: timeout},
		log:   log.With(logx.String("comp", "collab")),
	}
}

// Publish calls POST <base>/publish.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	var res PublishResult
	h := http.Header{}
	if req.IdempotencyKey != "" {
		h.Set("Idempotency-Key", req.IdempotencyKey)
	}
	err := c.post(ctx, "publish", "/publish", req, h, &res)
	if err != nil {
		return PublishResult{}, err
	}
	return res, nil
}

// GenerateTopics calls POST <base>/topics/generate. An empty list is a valid
// answer.
func (c *Client) GenerateTopics(ctx context.Context, req GenerateRequest) ([]topics.Topic, error) {
	var res generateResponse
	if err := c.post(ctx, "generate_topics", "/topics/generate", req, nil, &res); err != nil {
		return nil, err
	}
	if res.Error != "" && len(res.Topics) == 0 {
		return nil, fmt.Errorf("generate topics: %s", res.Error)
	}
	return res.Topics, nil
}

func (c *Client) post(ctx context.Context, service, path string, body any, header http.Header, out any) (err error) {
	if c.base == "" {
		return ErrNotConfigured
	}
	start := time.Now()
	defer func() {
		metrics.ExternalAPIDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ExternalAPIFailureTotal.WithLabelValues(service).Inc()
			c.log.Warn("content service call failed", logx.String("service", service), logx.Err(err))
		}
	}()

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", service, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", service, err)
	}
	if resp.StatusCode >= 400 {
		// The service reports failures as JSON {error}; fall back to the status.
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %d %s", service, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s: %s", service, resp.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: malformed response: %w", service, err)
	}
	return nil
}
