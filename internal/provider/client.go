package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
)

const maxResponseBytes = 4 << 20

// Target carries the per-environment settings a call needs. It is built from
// infra.ProviderSettings for every run.
type Target struct {
	BaseURL     string
	Model       string
	AspectRatio string
	Count       int
	// ReferenceImage is a base64 image; when set, negative_prompt is dropped
	// because the provider rejects the two together.
	ReferenceImage    string
	ReferenceFidelity float64
}

// TargetFromSettings builds a Target for one environment.
func TargetFromSettings(s infra.ProviderSettings) Target {
	return Target{
		BaseURL:           s.BaseURL,
		Model:             s.Model,
		AspectRatio:       s.AspectRatio,
		Count:             s.Count,
		ReferenceFidelity: s.ReferenceFidelity,
	}
}

// Options controls how the provider client is configured.
type Options struct {
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client talks to the asynchronous generation API. It never retries.
type Client struct {
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a client with sane defaults. A nil HTTP client gets a
// reusable one with a bounded timeout.
func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: client,
		logger:     infra.LoggerOrDiscard(opts.Logger),
	}
}

type envelope struct {
	Code      *int            `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type submitData struct {
	TaskID string `json:"task_id"`
}

type statusData struct {
	TaskID        string `json:"task_id"`
	TaskStatus    string `json:"task_status"`
	TaskStatusMsg string `json:"task_status_msg"`
	TaskResult    *struct {
		Images []struct {
			Index int    `json:"index"`
			URL   string `json:"url"`
		} `json:"images"`
	} `json:"task_result"`
}

// Submit starts one generation and returns its handle.
func (c *Client) Submit(ctx context.Context, target Target, req domain.GenerationRequest, token domain.AuthToken) (domain.TaskHandle, error) {
	payload := buildPayload(target, req)
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.TaskHandle{}, fmt.Errorf("provider: encode request: %w", err)
	}

	endpoint := strings.TrimRight(target.BaseURL, "/") + "/generations"
	raw, err := c.do(ctx, http.MethodPost, endpoint, body, token)
	if err != nil {
		return domain.TaskHandle{}, err
	}
	var data submitData
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.TaskHandle{}, fmt.Errorf("provider: decode submit data: %w", err)
	}
	if data.TaskID == "" {
		return domain.TaskHandle{}, errors.New("provider: submit response has no task id")
	}

	c.logger.Info().
		Int("entity_id", req.EntityID).
		Int("sequence_id", req.SequenceID).
		Str("task_id", data.TaskID).
		Bool("reference_image", target.ReferenceImage != "").
		Msg("provider: task submitted")
	return domain.TaskHandle{ID: data.TaskID, CreatedAt: time.Now()}, nil
}

// Status queries the task once.
func (c *Client) Status(ctx context.Context, target Target, handle domain.TaskHandle, token domain.AuthToken) (domain.TaskStatus, error) {
	endpoint := strings.TrimRight(target.BaseURL, "/") + "/generations/" + url.PathEscape(handle.ID)
	raw, err := c.do(ctx, http.MethodGet, endpoint, nil, token)
	if err != nil {
		return domain.TaskStatus{}, err
	}
	var data statusData
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.TaskStatus{}, fmt.Errorf("provider: decode status data: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(data.TaskStatus)) {
	case "succeed", "succeeded":
		status := domain.TaskStatus{State: domain.TaskSucceeded}
		if data.TaskResult != nil {
			for _, img := range data.TaskResult.Images {
				if img.URL != "" {
					status.Artifacts = append(status.Artifacts, img.URL)
				}
			}
		}
		return status, nil
	case "failed":
		msg := data.TaskStatusMsg
		if msg == "" {
			msg = "no reason given"
		}
		return domain.TaskStatus{State: domain.TaskFailed, Message: msg}, nil
	default:
		return domain.TaskStatus{State: domain.TaskPending}, nil
	}
}

// do performs the request and returns the envelope's data. Provider codes
// other than 0 and non-2xx responses come back as *ClassifiedError; anything
// else that fails is a transport error.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, token domain.AuthToken) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.Value)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if decodeErr == nil && env.Code != nil && *env.Code != 0 {
		return nil, c.classified(Translate(*env.Code), *env.Code, env.Message, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		code := 0
		if env.Code != nil {
			code = *env.Code
		}
		return nil, c.classified(ClassFromHTTPStatus(resp.StatusCode), code, msg, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("provider: decode response: %w", decodeErr)
	}
	return env.Data, nil
}

func (c *Client) classified(class Class, code int, msg string, status int) error {
	c.logger.Warn().
		Str("class", string(class)).
		Int("code", code).
		Int("http_status", status).
		Str("message", msg).
		Msg("provider: request rejected")
	return &ClassifiedError{Class: class, Code: code, Message: msg, HTTPStatus: status}
}

func buildPayload(target Target, req domain.GenerationRequest) map[string]any {
	payload := make(map[string]any, len(req.Params)+6)
	maps.Copy(payload, req.Params)

	payload["prompt"] = req.Prompt
	setDefault(payload, "model", target.Model)
	setDefault(payload, "aspect_ratio", target.AspectRatio)
	if target.Count > 0 {
		setDefault(payload, "n", target.Count)
	}

	if target.ReferenceImage != "" {
		payload["reference_image"] = target.ReferenceImage
		payload["reference_fidelity"] = target.ReferenceFidelity
		delete(payload, "negative_prompt")
	} else if req.NegativePrompt != "" {
		payload["negative_prompt"] = req.NegativePrompt
	}
	return payload
}

func setDefault(payload map[string]any, key string, value any) {
	if s, ok := value.(string); ok && s == "" {
		return
	}
	if _, exists := payload[key]; !exists {
		payload[key] = value
	}
}
