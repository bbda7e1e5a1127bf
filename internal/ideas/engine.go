// Package ideas turns the highest-ranked active events into trading ideas.
package ideas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"eventdesk/internal/gateway"
	"eventdesk/internal/models"
	"eventdesk/internal/repository"
)

type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Result, error)
}

type Config struct {
	Model           string
	TopN            int
	MinArticles     int
	ConfidenceFloor float64
	Expiry          time.Duration
	ContextArticles int
	MaxOutputTokens int
	Temperature     float64
	MaxConcurrency  int
}

type Engine struct {
	Repo    repository.Repository
	Gateway Caller
	Config  Config
	Logger  *zap.Logger
	Now     func() time.Time
}

type Result struct {
	Selected   int      `json:"selected"`
	Created    int      `json:"created"`
	NoTrade    int      `json:"no_trade"`
	BelowFloor int      `json:"below_floor"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	IdeaIDs    []uint64 `json:"idea_ids"`
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeNoTrade
	outcomeBelowFloor
	outcomeDuplicate
)

func (e *Engine) RunOnce(ctx context.Context) (*Result, error) {
	return e.GenerateForTopEvents(ctx, e.Config.TopN, false)
}

// GenerateForTopEvents asks for an idea on each of the topN best active
// events. force includes events that already hold a live idea. A failing
// event is counted and skipped.
func (e *Engine) GenerateForTopEvents(ctx context.Context, topN int, force bool) (*Result, error) {
	if e == nil || e.Repo == nil || e.Gateway == nil {
		return nil, errors.New("idea engine not configured")
	}
	if topN <= 0 {
		topN = 10
	}
	now := e.now()
	events, err := e.Repo.ListIdeaCandidates(ctx, repository.IdeaCandidateParams{
		Limit:       topN,
		MinArticles: e.minArticles(),
		Force:       force,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("list idea candidates: %w", err)
	}
	res := &Result{Selected: len(events)}
	if len(events) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.maxConcurrency())
	for _, event := range events {
		g.Go(func() error {
			oc, idea, err := e.generateForEvent(ctx, event, force)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				e.logger().Warn("idea generation failed",
					zap.Uint64("event_id", event.ID),
					zap.String("event_key", event.NormalizedKey),
					zap.Error(err),
				)
				return nil
			}
			switch oc {
			case outcomeCreated:
				res.Created++
				res.IdeaIDs = append(res.IdeaIDs, idea.ID)
			case outcomeNoTrade:
				res.NoTrade++
			case outcomeBelowFloor:
				res.BelowFloor++
			case outcomeDuplicate:
				res.Duplicates++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger().Info("idea generation finished",
		zap.Int("selected", res.Selected),
		zap.Int("created", res.Created),
		zap.Int("no_trade", res.NoTrade),
		zap.Int("below_floor", res.BelowFloor),
		zap.Int("failed", res.Failed),
	)
	if res.Failed > 0 && res.Failed == res.Selected {
		return res, fmt.Errorf("idea generation failed for all %d events", res.Selected)
	}
	return res, nil
}

func (e *Engine) generateForEvent(ctx context.Context, event models.Event, force bool) (outcome, *models.TradingIdea, error) {
	articles, err := e.Repo.ListEventArticles(ctx, event.ID, e.contextArticles())
	if err != nil {
		return 0, nil, fmt.Errorf("load event articles: %w", err)
	}
	prompt, err := buildPrompt(event, articles, e.floor())
	if err != nil {
		return 0, nil, err
	}
	call, err := e.Gateway.Call(ctx, gateway.Request{
		Prompt:          prompt,
		Model:           e.Config.Model,
		Instructions:    instructions,
		Temperature:     e.Config.Temperature,
		MaxOutputTokens: e.maxOutputTokens(),
		JSONMode:        true,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("idea call: %w", err)
	}
	p, err := parseProposal(call.Text)
	if err != nil {
		return 0, nil, err
	}
	if p.NoTrade {
		e.logger().Info("no trade for event",
			zap.Uint64("event_id", event.ID),
			zap.String("reason", p.Reason),
		)
		return outcomeNoTrade, nil, nil
	}
	// The model is told about the floor but is not trusted to apply it.
	if p.Confidence < e.floor() {
		e.logger().Info("idea below confidence floor",
			zap.Uint64("event_id", event.ID),
			zap.Float64("confidence", p.Confidence),
			zap.Float64("floor", e.floor()),
		)
		return outcomeBelowFloor, nil, nil
	}

	highlights, err := json.Marshal(p.Highlights)
	if err != nil {
		return 0, nil, err
	}
	risks, err := json.Marshal(p.Risks)
	if err != nil {
		return 0, nil, err
	}
	generated := e.now()
	idea := &models.TradingIdea{
		EventID:         event.ID,
		Headline:        p.Headline,
		Summary:         p.Summary,
		Thesis:          p.Thesis,
		ConfidenceScore: p.Confidence,
		Status:          models.IdeaStatusNew,
		GeneratedAt:     generated,
		ExpiresAt:       generated.Add(e.expiry()),
		Model:           call.Model,
		InputTokens:     call.InputTokens,
		OutputTokens:    call.OutputTokens,
		TotalTokens:     call.TotalTokens(),
		CostUSD:         call.CostUSD,
		Highlights:      datatypes.JSON(highlights),
		Risks:           datatypes.JSON(risks),
	}
	if err := e.Repo.CreateIdea(ctx, idea, force); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			e.logger().Debug("event already has a live idea", zap.Uint64("event_id", event.ID))
			return outcomeDuplicate, nil, nil
		}
		return 0, nil, fmt.Errorf("store idea: %w", err)
	}
	e.logger().Info("trading idea created",
		zap.Uint64("idea_id", idea.ID),
		zap.Uint64("event_id", event.ID),
		zap.Float64("confidence", idea.ConfidenceScore),
		zap.String("cost_usd", idea.CostUSD.StringFixed(6)),
	)
	return outcomeCreated, idea, nil
}

func (e *Engine) minArticles() int {
	if e.Config.MinArticles <= 0 {
		return 2
	}
	return e.Config.MinArticles
}

func (e *Engine) floor() float64 {
	if e.Config.ConfidenceFloor <= 0 {
		return 6.0
	}
	return e.Config.ConfidenceFloor
}

func (e *Engine) expiry() time.Duration {
	if e.Config.Expiry <= 0 {
		return 72 * time.Hour
	}
	return e.Config.Expiry
}

func (e *Engine) contextArticles() int {
	if e.Config.ContextArticles <= 0 {
		return 10
	}
	return e.Config.ContextArticles
}

func (e *Engine) maxOutputTokens() int {
	if e.Config.MaxOutputTokens <= 0 {
		return 2000
	}
	return e.Config.MaxOutputTokens
}

func (e *Engine) maxConcurrency() int {
	if e.Config.MaxConcurrency <= 0 {
		return 3
	}
	return e.Config.MaxConcurrency
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
