package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	loomerrors "loom/internal/errors"
	"loom/internal/logging"
)

const (
	defaultBaseURL      = "https://api.anthropic.com/v1"
	defaultAPIVersion   = "2023-06-01"
	messagesPath        = "/messages"
	versionHeaderKey    = "anthropic-version"
	apiKeyHeaderKey     = "x-api-key"
	requestContentType  = "application/json"
	defaultMaxTokens    = 8192
	defaultTimeout      = 120 * time.Second
	maxErrorBodyPreview = 2048
)

// Config carries provider settings for the HTTP client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type httpClient struct {
	cfg    Config
	client *http.Client
	logger logging.Logger
}

// NewClient builds the hosted-model HTTP client.
func NewClient(cfg Config) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logging.NewComponentLogger("LLMClient"),
	}
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *httpClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := apiRequest{
		Model:     model,
		System:    req.System,
		MaxTokens: maxTokens,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, apiMessage(m))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.cfg.BaseURL + messagesPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", requestContentType)
	httpReq.Header.Set(versionHeaderKey, defaultAPIVersion)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set(apiKeyHeaderKey, c.cfg.APIKey)
	}

	c.logger.Debug("POST %s model=%s messages=%d", endpoint, model, len(payload.Messages))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, loomerrors.WrapModelError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, loomerrors.WrapModelError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		preview := string(raw)
		if len(preview) > maxErrorBodyPreview {
			preview = preview[:maxErrorBodyPreview]
		}
		c.logger.Warn("model call failed: status=%d body=%s", resp.StatusCode, preview)
		return nil, loomerrors.NewModelError(resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, preview))
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, loomerrors.WrapModelError(fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		Content:      text.String(),
		StopReason:   parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}
