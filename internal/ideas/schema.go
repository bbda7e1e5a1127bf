package ideas

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOutput marks an idea reply that matches neither the idea shape
// nor the no-trade shape.
var ErrInvalidOutput = errors.New("invalid idea output")

type ideaResponse struct {
	NoTrade            *bool    `json:"no_trade"`
	Reason             string   `json:"reason"`
	Headline           string   `json:"headline"`
	Summary            string   `json:"summary"`
	TradingThesis      string   `json:"trading_thesis"`
	ConfidenceScore    *float64 `json:"confidence_score"`
	ResearchHighlights []string `json:"research_highlights"`
	RiskWarnings       []string `json:"risk_warnings"`
}

type proposal struct {
	NoTrade    bool
	Reason     string
	Headline   string
	Summary    string
	Thesis     string
	Confidence float64
	Highlights []string
	Risks      []string
}

func parseProposal(text string) (*proposal, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(text))))
	dec.DisallowUnknownFields()
	var raw ideaResponse
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidOutput)
	}

	if raw.NoTrade != nil && *raw.NoTrade {
		return &proposal{NoTrade: true, Reason: strings.TrimSpace(raw.Reason)}, nil
	}

	p := &proposal{
		Headline:   strings.TrimSpace(raw.Headline),
		Summary:    strings.TrimSpace(raw.Summary),
		Thesis:     strings.TrimSpace(raw.TradingThesis),
		Highlights: cleanList(raw.ResearchHighlights),
		Risks:      cleanList(raw.RiskWarnings),
	}
	switch {
	case p.Headline == "":
		return nil, fmt.Errorf("%w: headline is empty", ErrInvalidOutput)
	case p.Summary == "":
		return nil, fmt.Errorf("%w: summary is empty", ErrInvalidOutput)
	case p.Thesis == "":
		return nil, fmt.Errorf("%w: trading_thesis is empty", ErrInvalidOutput)
	case raw.ConfidenceScore == nil:
		return nil, fmt.Errorf("%w: confidence_score missing", ErrInvalidOutput)
	}
	p.Confidence = *raw.ConfidenceScore
	if p.Confidence < 0 || p.Confidence > 10 {
		return nil, fmt.Errorf("%w: confidence_score %v outside 0-10", ErrInvalidOutput, p.Confidence)
	}
	return p, nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}
