package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StepConverterService registers an uploaded CAD file with the model
// service and returns the URN it is addressed by.
type StepConverterService struct {
	baseURL string
	scopes  []string
	client  *http.Client
}

// NewStepConverterService returns a client whose requests are bounded by
// timeout even when the caller's context has no deadline.
func NewStepConverterService(baseURL string, scopes []string, timeout time.Duration) *StepConverterService {
	return &StepConverterService{
		baseURL: baseURL,
		scopes:  scopes,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type uploadStepRequest struct {
	FileURL string   `json:"file_url"`
	Scopes  []string `json:"scopes"`
}

type uploadStepResponse struct {
	Success bool   `json:"success"`
	URN     string `json:"urn"`
	Message string `json:"message"`
}

func (s *StepConverterService) ConvertToURN(ctx context.Context, fileURL string) (string, error) {
	payload, err := json.Marshal(uploadStepRequest{FileURL: fileURL, Scopes: s.scopes})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	url := fmt.Sprintf("%s/api/aps/v2/upload-step", s.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("step converter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("step converter returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out uploadStepResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode step converter response: %w", err)
	}
	if !out.Success || out.URN == "" {
		msg := out.Message
		if msg == "" {
			msg = "no URN returned from conversion service"
		}
		return "", fmt.Errorf("step conversion rejected: %s", msg)
	}
	return out.URN, nil
}
