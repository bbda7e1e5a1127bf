package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"eventdesk/internal/gateway"
	"eventdesk/internal/logger"
	"eventdesk/internal/repository"
	"eventdesk/internal/scheduler"
	"eventdesk/internal/service"
)

type JobRunner interface {
	Statuses() []scheduler.Status
	Trigger(ctx context.Context, name string) (any, error)
}

type CostMeter interface {
	Usage(ctx context.Context) (gateway.Usage, error)
	ResetDailyCost(ctx context.Context) error
}

type PipelineHandler struct {
	Repo     repository.Repository
	Jobs     JobRunner
	Costs    CostMeter
	Settings *service.SystemSettingsService
	Logger   *zap.Logger
}

type pipelineStatus struct {
	Jobs     []scheduler.Status `json:"jobs"`
	Usage    gateway.Usage      `json:"usage"`
	Articles map[string]int64   `json:"articles"`
}

func (h *PipelineHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/pipeline")
	g.GET("/status", h.status)
	g.POST("/cost/reset", h.resetCost)
	g.POST("/jobs/:name/run", h.runJob)
	g.GET("/switches", h.listSwitches)
	g.PUT("/switches/:name", h.putSwitch)
}

// @Summary Pipeline status
// @Description Job statuses, daily generation cost and article counts by status.
// @Tags pipeline
// @Produce json
// @Success 200 {object} apiResponse
// @Router /api/v1/pipeline/status [get]
func (h *PipelineHandler) status(c *gin.Context) {
	ctx := c.Request.Context()
	out := pipelineStatus{Jobs: []scheduler.Status{}, Articles: map[string]int64{}}
	if h.Jobs != nil {
		out.Jobs = h.Jobs.Statuses()
	}
	if h.Costs != nil {
		usage, err := h.Costs.Usage(ctx)
		if err != nil {
			Error(c, http.StatusBadGateway, err.Error(), nil)
			return
		}
		out.Usage = usage
	}
	if h.Repo != nil {
		counts, err := h.Repo.CountArticlesByStatus(ctx)
		if err != nil {
			Error(c, http.StatusBadGateway, err.Error(), nil)
			return
		}
		out.Articles = counts
	}
	Ok(c, out, nil)
}

// @Summary Reset daily generation cost
// @Tags pipeline
// @Produce json
// @Success 200 {object} apiResponse
// @Failure 502 {object} apiResponse
// @Router /api/v1/pipeline/cost/reset [post]
func (h *PipelineHandler) resetCost(c *gin.Context) {
	if h.Costs == nil {
		Error(c, http.StatusInternalServerError, "gateway unavailable", nil)
		return
	}
	if err := h.Costs.ResetDailyCost(c.Request.Context()); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	usage, _ := h.Costs.Usage(c.Request.Context())
	Ok(c, usage, nil)
}

// @Summary Run a pipeline job now
// @Description Runs synchronously. Returns 409 while the same job is still running.
// @Tags pipeline
// @Produce json
// @Param name path string true "job name (ingest, cluster, sweep, ideas, cost-reset)"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Failure 502 {object} apiResponse
// @Router /api/v1/pipeline/jobs/{name}/run [post]
func (h *PipelineHandler) runJob(c *gin.Context) {
	if h.Jobs == nil {
		Error(c, http.StatusInternalServerError, "scheduler unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	result, err := h.Jobs.Trigger(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		Error(c, http.StatusNotFound, "unknown job", map[string]any{"job": name})
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		Error(c, http.StatusConflict, "job already running", map[string]any{"job": name})
		return
	case err != nil:
		logger.OrNop(h.Logger).Warn("manual job run failed", zap.String("job", name), zap.Error(err))
		Error(c, http.StatusBadGateway, err.Error(), map[string]any{"job": name, "result": result})
		return
	}
	Ok(c, result, map[string]any{"job": name})
}

// @Summary List feature switches
// @Tags pipeline
// @Produce json
// @Success 200 {object} apiResponse
// @Router /api/v1/pipeline/switches [get]
func (h *PipelineHandler) listSwitches(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	Ok(c, h.Settings.Switches(c.Request.Context()), nil)
}

type putSwitchRequest struct {
	Enabled *bool `json:"enabled"`
}

// @Summary Turn a feature switch on or off
// @Tags pipeline
// @Accept json
// @Produce json
// @Param name path string true "switch name, e.g. clustering"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/v1/pipeline/switches/{name} [put]
func (h *PipelineHandler) putSwitch(c *gin.Context) {
	if h.Settings == nil {
		Error(c, http.StatusInternalServerError, "settings service unavailable", nil)
		return
	}
	name := strings.TrimSpace(c.Param("name"))
	key := service.FeatureKey(name)
	if _, known := service.DefaultFeatureSwitches()[key]; !known {
		Error(c, http.StatusBadRequest, "unknown switch", map[string]any{"name": name})
		return
	}
	var req putSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if err := h.Settings.SetEnabled(c.Request.Context(), key, *req.Enabled); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, service.Switch{
		Name:    strings.TrimPrefix(key, "feature."),
		Key:     key,
		Enabled: *req.Enabled,
	}, nil)
}
