package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"eventdesk/internal/gateway"
)

type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(apiKey, baseURL string, timeout time.Duration) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// the gateway owns retries
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, gateway.Permanent(p.Name(), fmt.Errorf("no choices: %w", gateway.ErrMalformedResponse))
	}
	return &gateway.Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (p *OpenAI) Embed(ctx context.Context, text, model string) (*gateway.Embedding, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, gateway.Permanent(p.Name(), fmt.Errorf("no embedding data: %w", gateway.ErrMalformedResponse))
	}
	return &gateway.Embedding{
		Vector:      resp.Data[0].Embedding,
		Model:       resp.Model,
		InputTokens: int(resp.Usage.PromptTokens),
	}, nil
}

func (p *OpenAI) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return gateway.NewProviderError(p.Name(), apiErr.StatusCode, err)
	}
	return classifyTransport(p.Name(), err)
}
