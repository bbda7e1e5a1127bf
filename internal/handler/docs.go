package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# eventdesk

News event pipeline: feed ingest, dedup, clustering into events,
staleness sweep and trading idea generation.

## Auth

When server.api_token is set, /api/*, /swagger and /docs require
"Authorization: Bearer <token>". Health endpoints are public.

## Routes

- GET /healthz
- GET /readyz
- GET /swagger/index.html
- GET /api/v1/pipeline/status
- POST /api/v1/pipeline/cost/reset
- POST /api/v1/pipeline/jobs/{name}/run   (ingest, cluster, sweep, ideas, cost-reset)
- GET /api/v1/pipeline/switches
- PUT /api/v1/pipeline/switches/{name}    body: {"enabled": true}
`)
	})
}
