package endpoints

import (
	"context"
	"net/http"
	"time"

	"sysmon/internal/domain"
	"sysmon/internal/util"
)

type Route struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

var Routes = []Route{
	{Path: "/api/latest", Description: "most recent sample"},
	{Path: "/api/history?window=10m&limit=60", Description: "samples inside the window, oldest first"},
	{Path: "/healthz", Description: "store liveness"},
	{Path: "/metrics", Description: "Prometheus exposition"},
}

type Index struct {
	Response APIResponse
	logger   *util.Logger
	store    domain.MetricStore
	timeout  time.Duration
}

func (ix *Index) Init(store domain.MetricStore, logger *util.Logger, healthTimeout time.Duration) {
	if logger == nil {
		logger = &util.Logger{}
	}
	if healthTimeout <= 0 {
		healthTimeout = 2 * time.Second
	}
	ix.store = store
	ix.logger = logger
	ix.timeout = healthTimeout
}

func (ix *Index) IndexHandler(w http.ResponseWriter, r *http.Request) {
	ix.Response.WriteResultResponse(w, Routes)
}

// HealthHandler answers "ok" when the store serves a read.
func (ix *Index) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ix.timeout)
	defer cancel()

	if _, err := ix.store.Count(ctx); err != nil {
		ix.logger.LogEvent(util.LOG_LEVEL_ERROR, "Health check failed:", err)
		ix.Response.WriteErrorResponseWithStatusCode(w, err, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
