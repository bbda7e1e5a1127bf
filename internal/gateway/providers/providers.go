// Package providers adapts vendor SDKs to gateway.Provider.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"eventdesk/internal/config"
	"eventdesk/internal/gateway"
)

// New builds the provider named in cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (gateway.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Timeout), nil
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Timeout), nil
	case "gemini":
		return NewGemini(ctx, cfg.APIKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// classifyTransport handles errors that never reached the vendor API.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return gateway.Permanent(provider, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return gateway.Transient(provider, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return gateway.Transient(provider, err)
	}
	return gateway.Permanent(provider, err)
}

// ExtractJSON strips code fences and any prose around the outermost object.
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}
	return content
}
