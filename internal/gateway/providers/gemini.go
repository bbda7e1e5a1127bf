package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"eventdesk/internal/gateway"
)

type Gemini struct {
	client *genai.Client
}

func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

func (p *Gemini) Name() string { return "gemini" }

func (p *Gemini) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Gemini) Complete(ctx context.Context, req gateway.Request) (*gateway.Completion, error) {
	model := p.client.GenerativeModel(req.Model)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxOutputTokens))
	}
	if req.Instructions != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.Instructions)}}
	}
	if req.JSONMode {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, gateway.Permanent(p.Name(), fmt.Errorf("no candidates: %w", gateway.ErrMalformedResponse))
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	out := &gateway.Completion{Text: sb.String(), Model: req.Model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (p *Gemini) Embed(ctx context.Context, text, model string) (*gateway.Embedding, error) {
	em := p.client.EmbeddingModel(model)
	resp, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, p.classify(err)
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, gateway.Permanent(p.Name(), fmt.Errorf("no embedding values: %w", gateway.ErrMalformedResponse))
	}
	vector := make([]float64, len(resp.Embedding.Values))
	for i, v := range resp.Embedding.Values {
		vector[i] = float64(v)
	}
	// the embedding endpoint reports no usage
	return &gateway.Embedding{Vector: vector, Model: model}, nil
}

func (p *Gemini) classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return gateway.NewProviderError(p.Name(), apiErr.Code, err)
	}
	return classifyTransport(p.Name(), err)
}
