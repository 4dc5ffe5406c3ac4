package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modelviewer/models"

	"golang.org/x/time/rate"
)

// TranslationClient talks to the translation API: job status, job
// submission and viewer tokens.
type TranslationClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

type TranslationOption func(*TranslationClient)

// WithRateLimit caps outbound requests. rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) TranslationOption {
	return func(c *TranslationClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithHTTPClient(hc *http.Client) TranslationOption {
	return func(c *TranslationClient) { c.client = hc }
}

func NewTranslationClient(baseURL string, timeout time.Duration, opts ...TranslationOption) *TranslationClient {
	c := &TranslationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusResponse struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Stage    string `json:"stage"`
}

// Check reads the current job status. It has no side effects. Transport
// problems and non-2xx answers are returned as ErrTransport with an
// Unknown status so callers can tell them apart from "not ready".
func (c *TranslationClient) Check(ctx context.Context, urn string) (models.TranslationStatus, error) {
	unknown := models.TranslationStatus{State: models.JobUnknown}

	body, err := c.do(ctx, http.MethodGet, "/translate/"+url.PathEscape(urn), nil)
	if err != nil {
		return unknown, models.NewStageError("check", models.ErrTransport, "", err)
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return unknown, models.NewStageError("check", models.ErrTransport, "malformed status response", err)
	}

	return models.TranslationStatus{
		State:    classifyStatus(resp.Status, resp.Progress),
		Raw:      resp.Status,
		Progress: resp.Progress,
		Message:  resp.Message,
		Stage:    resp.Stage,
	}, nil
}

func classifyStatus(status string, progress int) models.JobState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "complete", "completed":
		if progress >= 100 {
			return models.JobReady
		}
		return models.JobNotReady
	case "failed", "timeout":
		return models.JobFailed
	case "pending", "inprogress", "in_progress", "processing":
		return models.JobNotReady
	default:
		return models.JobUnknown
	}
}

type triggerRequest struct {
	URN          string `json:"urn"`
	TargetFormat string `json:"targetFormat"`
}

type triggerResponse struct {
	Accepted *bool  `json:"accepted"`
	Success  *bool  `json:"success"`
	Message  string `json:"message"`
	Error    string `json:"error"`
}

// Trigger submits a translation job. The service may enqueue a new job on
// every call, so callers must not retry it.
func (c *TranslationClient) Trigger(ctx context.Context, urn, targetFormat string) error {
	payload, err := json.Marshal(triggerRequest{URN: urn, TargetFormat: targetFormat})
	if err != nil {
		return models.NewStageError("trigger", models.ErrTrigger, "", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/translate", payload)
	if err != nil {
		return models.NewStageError("trigger", models.ErrTrigger, "", err)
	}

	var resp triggerResponse
	if len(bytes.TrimSpace(body)) == 0 {
		// 202 with no body is an acceptance.
		return nil
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.NewStageError("trigger", models.ErrTrigger, "malformed trigger response", err)
	}

	accepted := true
	switch {
	case resp.Accepted != nil:
		accepted = *resp.Accepted
	case resp.Success != nil:
		accepted = *resp.Success
	}
	if !accepted {
		msg := resp.Message
		if msg == "" {
			msg = resp.Error
		}
		if msg == "" {
			msg = "translation request was not accepted"
		}
		return models.NewStageError("trigger", models.ErrTrigger, msg, nil)
	}
	return nil
}

// Token fetches a fresh viewer access token. Nothing is cached.
func (c *TranslationClient) Token(ctx context.Context) (models.AccessToken, error) {
	body, err := c.do(ctx, http.MethodGet, "/token", nil)
	if err != nil {
		return models.AccessToken{}, models.NewStageError("token", models.ErrAuth, "", err)
	}

	var tok models.AccessToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return models.AccessToken{}, models.NewStageError("token", models.ErrAuth, "malformed token response", err)
	}
	if tok.Token == "" {
		return models.AccessToken{}, models.NewStageError("token", models.ErrAuth, "empty access token", nil)
	}
	tok.ExpiresAt = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return tok, nil
}

func (c *TranslationClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("translation api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("translation api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
