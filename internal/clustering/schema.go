package clustering

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidOutput marks a grouping reply that does not match the schema.
// The whole batch fails; nothing from it is applied.
var ErrInvalidOutput = errors.New("invalid clustering output")

type groupingResponse struct {
	Events    []groupedEvent `json:"events"`
	Ungrouped []int          `json:"ungrouped_headlines"`
}

type groupedEvent struct {
	Summary        string   `json:"event_summary"`
	Key            string   `json:"event_key"`
	HeadlineIDs    []int    `json:"headline_ids"`
	RelevanceScore *float64 `json:"relevance_score"`
	FirstReported  *string  `json:"first_reported"`
}

// cluster is a validated event grouping with local ids resolved.
type cluster struct {
	Summary        string
	Key            string
	LocalIDs       []int
	RelevanceScore float64
	FirstReported  *time.Time
}

type grouping struct {
	Clusters  []cluster
	Ungrouped []int
}

// parseGrouping decodes and validates a reply for a batch of n headlines
// numbered 1..n. Unknown fields, out-of-range ids, a headline placed in two
// events, and scores outside 1-10 are all rejected.
func parseGrouping(text string, n int) (*grouping, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(text))))
	dec.DisallowUnknownFields()
	var raw groupingResponse
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidOutput)
	}

	claimed := make(map[int]string, n)
	out := &grouping{Clusters: make([]cluster, 0, len(raw.Events))}
	for i, ev := range raw.Events {
		c, err := validateEvent(ev, n)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrInvalidOutput, i, err)
		}
		for _, id := range c.LocalIDs {
			if prev, ok := claimed[id]; ok {
				return nil, fmt.Errorf("%w: headline %d in both %q and %q", ErrInvalidOutput, id, prev, c.Key)
			}
			claimed[id] = c.Key
		}
		out.Clusters = append(out.Clusters, c)
	}
	for _, id := range raw.Ungrouped {
		if id < 1 || id > n {
			return nil, fmt.Errorf("%w: ungrouped id %d out of range", ErrInvalidOutput, id)
		}
		if key, ok := claimed[id]; ok {
			return nil, fmt.Errorf("%w: headline %d both grouped in %q and ungrouped", ErrInvalidOutput, id, key)
		}
		out.Ungrouped = append(out.Ungrouped, id)
	}
	return out, nil
}

func validateEvent(ev groupedEvent, n int) (cluster, error) {
	summary := strings.TrimSpace(ev.Summary)
	if summary == "" {
		return cluster{}, errors.New("event_summary is empty")
	}
	key := NormalizeKey(ev.Key)
	if key == "" {
		return cluster{}, errors.New("event_key is empty")
	}
	if len(ev.HeadlineIDs) == 0 {
		return cluster{}, fmt.Errorf("%q has no headline_ids", key)
	}
	if ev.RelevanceScore == nil {
		return cluster{}, fmt.Errorf("%q has no relevance_score", key)
	}
	score := *ev.RelevanceScore
	if score < 1 || score > 10 {
		return cluster{}, fmt.Errorf("%q relevance_score %v outside 1-10", key, score)
	}

	seen := make(map[int]struct{}, len(ev.HeadlineIDs))
	ids := make([]int, 0, len(ev.HeadlineIDs))
	for _, id := range ev.HeadlineIDs {
		if id < 1 || id > n {
			return cluster{}, fmt.Errorf("%q headline id %d out of range", key, id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	c := cluster{Summary: summary, Key: key, LocalIDs: ids, RelevanceScore: score}
	if ev.FirstReported != nil && strings.TrimSpace(*ev.FirstReported) != "" {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(*ev.FirstReported))
		if err != nil {
			return cluster{}, fmt.Errorf("%q first_reported: %v", key, err)
		}
		ts = ts.UTC()
		c.FirstReported = &ts
	}
	return c, nil
}

// NormalizeKey lowercases a grouping key and collapses whitespace and
// underscores into single hyphens.
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return ""
	}
	var b strings.Builder
	lastDash := false
	for _, r := range key {
		switch {
		case r == ' ' || r == '\t' || r == '_' || r == '-':
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		default:
			b.WriteRune(r)
			lastDash = false
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
