package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"eventdesk/internal/gateway"
)

const anthropicDefaultMaxTokens = 1024

const jsonOnlyInstruction = "Respond with a single JSON object and nothing else."

// Anthropic has no embeddings endpoint; Embed returns gateway.ErrNotSupported.
type Anthropic struct {
	client *anthropic.Client
}

func NewAnthropic(apiKey, baseURL string, timeout time.Duration) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{client: &client}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error) {
	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	instructions := req.Instructions
	if req.JSONMode {
		instructions = strings.TrimSpace(instructions + "\n\n" + jsonOnlyInstruction)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: instructions}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, gateway.NewProviderError(p.Name(), apiErr.StatusCode, err)
		}
		return nil, classifyTransport(p.Name(), err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, gateway.Permanent(p.Name(), fmt.Errorf("no text content: %w", gateway.ErrMalformedResponse))
	}
	text := sb.String()
	if req.JSONMode {
		text = ExtractJSON(text)
	}
	return &gateway.Completion{
		Text:         text,
		Model:        string(resp.Model),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

func (p *Anthropic) Embed(ctx context.Context, text, model string) (*gateway.Embedding, error) {
	return nil, gateway.Permanent(p.Name(), gateway.ErrNotSupported)
}
