package ideas

import (
	"encoding/json"
	"fmt"
	"time"

	"eventdesk/internal/models"
)

const instructions = `You are an expert trading strategist. Generate actionable trading ideas based on news events. Output must be valid JSON only. If no viable trade idea exists, return {"no_trade": true, "reason": "..."}.`

type contextHeadline struct {
	Headline    string `json:"headline"`
	Source      string `json:"source"`
	PublishedAt string `json:"published_at"`
}

func buildPrompt(event models.Event, articles []models.Article, floor float64) (string, error) {
	items := make([]contextHeadline, 0, len(articles))
	for _, a := range articles {
		items = append(items, contextHeadline{
			Headline:    a.Headline,
			Source:      a.SourceName,
			PublishedAt: a.PublishedAt.UTC().Format(time.RFC3339),
		})
	}
	raw, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`Analyze the following market event and generate a trading idea.

Event Summary:
%s

Event Context:
- Articles: %d from %d sources
- First reported: %s
- Latest update: %s
- Relevance score: %.1f/10

Sample Headlines:
%s

If the event is not actionable or lacks sufficient market impact, return {"no_trade": true, "reason": "explanation"}.

Otherwise return:
{
  "headline": "Concise trading idea headline",
  "summary": "2-3 sentence executive summary",
  "trading_thesis": "Why this event creates a trading opportunity",
  "confidence_score": 7.5,
  "research_highlights": ["Key insight 1", "Key insight 2"],
  "risk_warnings": ["Risk factor 1", "Risk factor 2"]
}

Guidelines:
- confidence_score is on a 0-10 scale
- if confidence would be below %.1f, return no_trade instead
- assess market impact realistically and be conservative with speculation`,
		event.Summary,
		event.ArticleCount,
		event.SourceCount,
		event.FirstReportedAt.UTC().Format(time.RFC3339),
		event.LastUpdatedAt.UTC().Format(time.RFC3339),
		event.RelevanceScore,
		raw,
		floor,
	), nil
}
