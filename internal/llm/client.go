package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"venuescout/internal/config"
)

var tracer = otel.Tracer("venuescout/internal/llm")

// ErrNotConfigured is returned on first use when credentials are missing.
var ErrNotConfigured = errors.New("llm client not configured")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client completes a chat.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []Message) (string, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// Ask sends a single instruction and prompt pair.
func Ask(ctx context.Context, client Client, instruction, prompt string) (string, error) {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(instruction) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: instruction})
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})
	return client.Complete(ctx, messages)
}

type chatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Seed        *int      `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// ChatClient talks to an OpenAI or Azure OpenAI chat-completions endpoint.
type ChatClient struct {
	cfg  config.LLMConfig
	http *resty.Client
}

// NewChatClient builds a client. Credentials are checked on each call, not
// here, so a process can start without them.
func NewChatClient(cfg config.LLMConfig) *ChatClient {
	client := resty.New()
	client.SetTimeout(cfg.Timeout.Or(2 * time.Minute))
	client.SetHeader("content-type", "application/json")
	return &ChatClient{cfg: cfg, http: client}
}

func (c *ChatClient) endpoint() (string, error) {
	switch c.cfg.Provider {
	case "openai":
		if c.cfg.APIKey == "" {
			return "", fmt.Errorf("%w: openai api key is empty", ErrNotConfigured)
		}
		base := c.cfg.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return base + "/chat/completions", nil
	default:
		if c.cfg.APIKey == "" || c.cfg.Endpoint == "" {
			return "", fmt.Errorf("%w: azure api key and endpoint are required", ErrNotConfigured)
		}
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions", c.cfg.Endpoint, c.cfg.Deployment), nil
	}
}

// Complete implements Client.
func (c *ChatClient) Complete(ctx context.Context, messages []Message) (string, error) {
	ctx, span := tracer.Start(ctx, "Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.cfg.Provider),
		attribute.Int("messages", len(messages)),
	)

	url, err := c.endpoint()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	body := chatRequest{
		Messages:    messages,
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.Seed != 0 {
		seed := c.cfg.Seed
		body.Seed = &seed
	}
	if c.cfg.Provider == "openai" {
		body.Model = c.cfg.Model
	}

	var out chatResponse
	var apiErr chatError
	req := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr)
	if c.cfg.Provider == "openai" {
		req.SetAuthToken(c.cfg.APIKey)
	} else {
		req.SetHeader("api-key", c.cfg.APIKey).
			SetQueryParam("api-version", c.cfg.APIVersion)
	}

	res, err := req.Post(url)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if res.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(res.Body()))
		}
		err := fmt.Errorf("chat completion: status %d: %s", res.StatusCode(), msg)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if len(out.Choices) == 0 {
		err := errors.New("chat completion: response has no choices")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("total_tokens", out.Usage.TotalTokens))
	return out.Choices[0].Message.Content, nil
}
