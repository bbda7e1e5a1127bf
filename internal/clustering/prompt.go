package clustering

import (
	"encoding/json"
	"fmt"
	"time"

	"eventdesk/internal/models"
)

const instructions = "You are an expert financial news analyst specializing in identifying market-moving events. Output must be valid JSON only."

type promptHeadline struct {
	ID          int    `json:"id"`
	Source      string `json:"source"`
	Title       string `json:"title"`
	PublishedAt string `json:"published_at"`
}

func buildPrompt(batch []models.Article) (string, error) {
	items := make([]promptHeadline, 0, len(batch))
	for i, a := range batch {
		items = append(items, promptHeadline{
			ID:          i + 1,
			Source:      a.SourceName,
			Title:       a.Headline,
			PublishedAt: a.PublishedAt.UTC().Format(time.RFC3339),
		})
	}
	raw, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`Analyze the following %d financial news headlines and group them into distinct market events.

Headlines:
%s

For each event cluster, provide:
1. event_summary: 2-3 sentence description of the event
2. event_key: short lowercase hyphenated key naming the topic and date, stable for the same event (e.g. "aapl-q4-earnings-2025")
3. headline_ids: ids of the headlines belonging to this cluster
4. relevance_score: number from 1 to 10, how market-moving the event is
5. first_reported: RFC 3339 timestamp of the earliest headline

List every headline that fits no event in ungrouped_headlines. Each id appears exactly once.

Output format:
{
  "events": [
    {
      "event_summary": "Apple reports Q4 earnings...",
      "event_key": "aapl-q4-earnings-2025",
      "headline_ids": [1, 4, 7],
      "relevance_score": 8,
      "first_reported": "2025-10-22T14:30:00Z"
    }
  ],
  "ungrouped_headlines": [2, 3]
}`, len(batch), raw), nil
}
