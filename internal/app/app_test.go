package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/larder-erp/larder/internal/observability"
	"github.com/larder-erp/larder/jobs"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RECALC_CONCURRENCY", "8")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 8, cfg.RecalcConcurrency)
	require.Equal(t, "0 3 * * *", cfg.LedgerIntegrityCron)
	require.False(t, cfg.IsProduction())
	require.Equal(t, int32(10), cfg.PoolOptions().MaxConns)
}

func TestConfigValidate(t *testing.T) {
	t.Setenv("RECALC_CONCURRENCY", "0")
	t.Setenv("LEDGER_INTEGRITY_CRON", "@daily")
	t.Setenv("LOG_LEVEL", "loud")
	_, err := LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "RECALC_CONCURRENCY")
	require.Contains(t, err.Error(), "LEDGER_INTEGRITY_CRON")
	require.Contains(t, err.Error(), "LOG_LEVEL")

	t.Setenv("RECALC_CONCURRENCY", "4")
	t.Setenv("LEDGER_INTEGRITY_CRON", "0 3 * * *")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("PG_MIN_CONNS", "20")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "PG_MIN_CONNS")

	var nilCfg *Config
	require.Error(t, nilCfg.Validate())
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestRouterHealthAndMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	healthy := true
	router := NewRouter(RouterParams{
		Config:     &Config{AppEnv: "production"},
		Metrics:    metrics,
		JobHandler: jobs.NewHandler(nil, nil),
		Checks: map[string]HealthCheck{
			"redis": func(ctx context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("connection refused")
			},
		},
	})

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","checks":{"redis":"ok"}}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	healthy = false
	rec = get("/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")

	require.Equal(t, http.StatusOK, get("/jobs/health").Code)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `larder_http_requests_total{code="200",route="/jobs/health"} 1`)

	require.Equal(t, http.StatusNotFound, get("/ledger/aging").Code)
}
