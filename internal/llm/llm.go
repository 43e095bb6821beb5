// Package llm adapts chat providers to the single completion call the analyzer and advisor need.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderAnthropic        = "anthropic"

	defaultMaxTokens   = 4096
	defaultTemperature = 0.1
)

var ErrEmptyCompletion = errors.New("provider returned an empty completion")

// Client sends one system + user exchange and returns the assistant text.
type Client interface {
	Complete(ctx context.Context, system string, user string) (string, error)
}

type ProviderConfig struct {
	ID          string
	Type        string
	BaseURL     string
	Model       string
	APIKey      string
	MaxTokens   int64
	Temperature float64
	MaxRetries  int
	HTTPClient  *http.Client
}

// New returns the adapter for cfg.Type.
func New(cfg ProviderConfig) (Client, error) {
	providerType := strings.ToLower(strings.TrimSpace(cfg.Type))
	apiKey := strings.TrimSpace(cfg.APIKey)
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("missing provider model")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	switch providerType {
	case ProviderOpenAI, ProviderOpenAICompatible:
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey), ooption.WithMaxRetries(cfg.MaxRetries)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, ooption.WithHTTPClient(cfg.HTTPClient))
		}
		return &openAIClient{client: openai.NewClient(opts...), cfg: cfg}, nil
	case ProviderAnthropic:
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey), aoption.WithMaxRetries(cfg.MaxRetries)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		if cfg.HTTPClient != nil {
			opts = append(opts, aoption.WithHTTPClient(cfg.HTTPClient))
		}
		return &anthropicClient{client: anthropic.NewClient(opts...), cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

type openAIClient struct {
	client openai.Client
	cfg    ProviderConfig
}

func (c *openAIClient) Complete(ctx context.Context, system string, user string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   openai.Int(c.cfg.MaxTokens),
		Temperature: openai.Float(c.cfg.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.cfg.Type, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

type anthropicClient struct {
	client anthropic.Client
	cfg    ProviderConfig
}

func (c *anthropicClient) Complete(ctx context.Context, system string, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   c.cfg.MaxTokens,
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
		Temperature: anthropic.Float(c.cfg.Temperature),
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	if msg == nil {
		return "", ErrEmptyCompletion
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

// ExtractJSON returns the JSON payload of a completion, stripping a markdown code fence and any prose
// around the outermost object.
func ExtractJSON(text string) string {
	v := strings.TrimSpace(text)
	if strings.HasPrefix(v, "```") {
		v = strings.TrimPrefix(v, "```json")
		v = strings.TrimPrefix(v, "```")
		if idx := strings.LastIndex(v, "```"); idx >= 0 {
			v = v[:idx]
		}
		v = strings.TrimSpace(v)
	}
	start := strings.Index(v, "{")
	end := strings.LastIndex(v, "}")
	if start >= 0 && end > start {
		return v[start : end+1]
	}
	return v
}
