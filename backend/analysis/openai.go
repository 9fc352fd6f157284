package analysis

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

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/models"
)

// ErrTransient marks analyzer failures worth another attempt (rate limits, upstream 5xx).
var ErrTransient = errors.New("analyzer temporarily unavailable")

type Analyzer interface {
	Analyze(ctx context.Context, photos map[models.Pose]string) (models.ScanResult, error)
	Name() string
}

const visionPrompt = `You estimate body composition from four photos of one person (front, back, left, right).
Reply with a single JSON object and nothing else:
{"bf_percent": number, "lean_mass_kg": number or null, "notes": string}
bf_percent is your best estimate of body fat percentage. If the photos are unusable set bf_percent to null and explain in notes.`

type OpenAIAnalyzer struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewOpenAIAnalyzer(cfg config.OpenAIConfig) *OpenAIAnalyzer {
	return &OpenAIAnalyzer{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (a *OpenAIAnalyzer) Name() string { return "openai:" + a.model }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type estimate struct {
	BFPercent  *float64 `json:"bf_percent"`
	LeanMassKg *float64 `json:"lean_mass_kg"`
	Notes      string   `json:"notes"`
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, photos map[models.Pose]string) (models.ScanResult, error) {
	parts := []contentPart{{Type: "text", Text: visionPrompt}}
	for _, pose := range models.Poses {
		url, ok := photos[pose]
		if !ok {
			return models.ScanResult{}, fmt.Errorf("missing %s photo", pose)
		}
		parts = append(parts,
			contentPart{Type: "text", Text: string(pose)},
			contentPart{Type: "image_url", ImageURL: &imageURL{URL: url, Detail: "low"}})
	}

	requestBody := map[string]interface{}{
		"model": a.model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": parts},
		},
		"response_format": map[string]string{"type": "json_object"},
		"max_tokens":      300,
		"temperature":     0.2,
	}

	content, err := a.makeAPICall(ctx, "/chat/completions", requestBody)
	if err != nil {
		return models.ScanResult{}, err
	}
	return parseEstimate(content, a.Name())
}

func (a *OpenAIAnalyzer) makeAPICall(ctx context.Context, endpoint string, requestBody map[string]interface{}) (string, error) {
	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
		}
		return "", fmt.Errorf("failed to decode OpenAI response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		msg := ""
		if response.Error != nil {
			msg = response.Error.Message
		}
		return "", fmt.Errorf("%w: status %d %s", ErrTransient, resp.StatusCode, msg)
	}
	if response.Error != nil {
		return "", fmt.Errorf("OpenAI API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI")
	}
	return response.Choices[0].Message.Content, nil
}

// parseEstimate accepts the model's JSON reply, tolerating a fenced code block around it.
func parseEstimate(content, provider string) (models.ScanResult, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var e estimate
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &e); err != nil {
		return models.ScanResult{}, fmt.Errorf("analyzer returned invalid JSON: %w", err)
	}
	if e.BFPercent == nil {
		return models.ScanResult{}, fmt.Errorf("analyzer gave no estimate: %s", e.Notes)
	}
	if *e.BFPercent < 2 || *e.BFPercent > 70 {
		return models.ScanResult{}, fmt.Errorf("analyzer estimate %.1f%% out of range", *e.BFPercent)
	}
	return models.ScanResult{
		BFPercent:  e.BFPercent,
		LeanMassKg: e.LeanMassKg,
		Notes:      e.Notes,
		Provider:   provider,
	}, nil
}
