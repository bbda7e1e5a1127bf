package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"eventdesk/internal/gateway"
	"eventdesk/internal/repository/memory"
	"eventdesk/internal/scheduler"
	"eventdesk/internal/service"
)

type fakeCosts struct {
	total  decimal.Decimal
	resets int
}

func (f *fakeCosts) Usage(ctx context.Context) (gateway.Usage, error) {
	return gateway.Usage{DailyTotalUSD: f.total, DailyBudgetUSD: decimal.NewFromInt(5)}, nil
}

func (f *fakeCosts) ResetDailyCost(ctx context.Context) error {
	f.resets++
	f.total = decimal.Zero
	return nil
}

func newTestRouter(t *testing.T, token string) (*gin.Engine, *scheduler.Runner, *fakeCosts) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := memory.New()
	runner := scheduler.New(nil, context.Background(), nil)
	_ = runner.Add(scheduler.Job{Name: "sweep", Run: func(ctx context.Context) (any, error) {
		return map[string]int{"stale": 2}, nil
	}})
	_ = runner.Add(scheduler.Job{Name: "ideas", Run: func(ctx context.Context) (any, error) {
		return nil, errors.New("all events failed")
	}})
	costs := &fakeCosts{total: decimal.RequireFromString("1.25")}

	r := gin.New()
	r.Use(RequireBearer(token))
	(&HealthHandler{}).Register(r)
	(&PipelineHandler{
		Repo:     repo,
		Jobs:     runner,
		Costs:    costs,
		Settings: &service.SystemSettingsService{Repo: repo},
	}).Register(r)
	return r, runner, costs
}

func do(r http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRunJobStatusCodes(t *testing.T) {
	r, runner, _ := newTestRouter(t, "")

	if w := do(r, http.MethodPost, "/api/v1/pipeline/jobs/sweep/run", "", ""); w.Code != http.StatusOK {
		t.Fatalf("code=%d want=%d body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	if w := do(r, http.MethodPost, "/api/v1/pipeline/jobs/ideas/run", "", ""); w.Code != http.StatusBadGateway {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusBadGateway)
	}
	if w := do(r, http.MethodPost, "/api/v1/pipeline/jobs/nope/run", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusNotFound)
	}

	w := do(r, http.MethodGet, "/api/v1/pipeline/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Data pipelineStatus `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	if len(resp.Data.Jobs) != 2 || !resp.Data.Usage.DailyTotalUSD.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("status=%+v", resp.Data)
	}
	if st := runner.Statuses(); st[0].Name != "ideas" || st[0].Failures != 1 {
		t.Fatalf("statuses=%+v", st)
	}
}

func TestCostResetAndSwitches(t *testing.T) {
	r, _, costs := newTestRouter(t, "")

	if w := do(r, http.MethodPost, "/api/v1/pipeline/cost/reset", "", ""); w.Code != http.StatusOK || costs.resets != 1 {
		t.Fatalf("code=%d resets=%d", w.Code, costs.resets)
	}
	if w := do(r, http.MethodPut, "/api/v1/pipeline/switches/clustering", `{"enabled":false}`, ""); w.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPut, "/api/v1/pipeline/switches/clustering", `{}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusBadRequest)
	}
	if w := do(r, http.MethodPut, "/api/v1/pipeline/switches/unknown", `{"enabled":true}`, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusBadRequest)
	}

	w := do(r, http.MethodGet, "/api/v1/pipeline/switches", "", "")
	var resp struct {
		Data []service.Switch `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode err=%v", err)
	}
	for _, sw := range resp.Data {
		if sw.Key == service.FeatureClustering && sw.Enabled {
			t.Fatalf("clustering switch still enabled")
		}
	}
}

func TestRequireBearer(t *testing.T) {
	r, _, _ := newTestRouter(t, "s3cret")

	if w := do(r, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz code=%d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/v1/pipeline/status", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusUnauthorized)
	}
	if w := do(r, http.MethodGet, "/api/v1/pipeline/status", "", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusUnauthorized)
	}
	if w := do(r, http.MethodGet, "/api/v1/pipeline/status", "", "s3cret"); w.Code != http.StatusOK {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusOK)
	}
}

func TestReadyzUsesPing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	(&HealthHandler{Ping: func(ctx context.Context) error { return errors.New("down") }}).Register(r)
	if w := do(r, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want=%d", w.Code, http.StatusServiceUnavailable)
	}
}
