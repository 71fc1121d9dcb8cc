package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tokenfires/emberhearth-sub003/internal/config"
)

// ChatMessage is one turn of an LLM request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient is the one LLM call contract this subsystem consumes.
// Implementations own their timeouts; callers only see text or an
// error.
type ChatClient interface {
	Send(messages []ChatMessage, systemPrompt string, maxTokens int) (string, error)
}

type chatClient struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	rc        *resty.Client
}

// NewChatClient builds a client against the configured
// OpenAI-compatible chat-completions endpoint.
func NewChatClient(cfg *config.Config) ChatClient {
	return &chatClient{
		apiKey:    cfg.Provider.APIKey,
		baseURL:   strings.TrimRight(strings.TrimSpace(cfg.Provider.BaseURL), "/"),
		model:     cfg.Provider.Model,
		maxTokens: cfg.Provider.MaxTokens,
		rc:        resty.New().SetTimeout(30 * time.Second),
	}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *chatClient) Send(messages []ChatMessage, systemPrompt string, maxTokens int) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing api key")
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("missing base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing model")
	}
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	payload := make([]ChatMessage, 0, len(messages)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		payload = append(payload, ChatMessage{Role: "system", Content: systemPrompt})
	}
	payload = append(payload, messages...)

	body := map[string]any{
		"model":       c.model,
		"messages":    payload,
		"max_tokens":  maxTokens,
		"temperature": 0.3,
	}

	var decoded chatCompletionResponse
	resp, err := c.rc.R().
		SetHeader("Authorization", "Bearer "+c.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&decoded).
		Post(c.baseURL + "/chat/completions")
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("chat completion http %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
