package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/powermode/internal/api/handler"
	"github.com/timmy/powermode/internal/config"
	"github.com/timmy/powermode/internal/domain"
	"github.com/timmy/powermode/internal/logger"
	"github.com/timmy/powermode/internal/repository"
)

func newTestRouter(t *testing.T, ping func(ctx context.Context) error) *gin.Engine {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "api.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.Close(db) })

	repo := repository.NewPowerModeRepository(db, "")
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	limited := domain.ControlModeLimitedKW
	noLimit := domain.ControlModeNoLimit
	for _, r := range []*domain.PowerModeRecord{
		{PlantCode: "NE=1", PlantName: "Alpha", APISuccess: true, ControlMode: &limited, LimitedKWParam: domain.JSONBlob(`{"value":50}`), LastUpdated: at},
		{PlantCode: "NE=2", PlantName: "Beta", APISuccess: false, LastUpdated: at.Add(time.Minute)},
		{PlantCode: "NE=3", PlantName: "Gamma", APISuccess: true, ControlMode: &noLimit, LastUpdated: at.Add(2 * time.Minute)},
	} {
		require.NoError(t, repo.Upsert(context.Background(), r))
	}

	cfg := &config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}}
	return SetupRouter(repo, handler.NewHealthHandler(ping), cfg, logger.NewDefault())
}

func get(t *testing.T, r http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, func(context.Context) error { return nil })
	w := get(t, r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	down := newTestRouter(t, func(context.Context) error { return errors.New("connection refused") })
	w = get(t, down, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListPowerModes(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		name      string
		target    string
		wantCode  int
		wantTotal int64
		wantCodes []string
	}{
		{"all", "/api/v1/power-modes", http.StatusOK, 3, []string{"NE=1", "NE=2", "NE=3"}},
		{"paged", "/api/v1/power-modes?limit=1&offset=1", http.StatusOK, 3, []string{"NE=2"}},
		{"succeeded only", "/api/v1/power-modes?success=true", http.StatusOK, 2, []string{"NE=1", "NE=3"}},
		{"failed only", "/api/v1/power-modes?success=false", http.StatusOK, 1, []string{"NE=2"}},
		{"bad limit", "/api/v1/power-modes?limit=abc", http.StatusBadRequest, 0, nil},
		{"bad offset", "/api/v1/power-modes?offset=-1", http.StatusBadRequest, 0, nil},
		{"bad filter", "/api/v1/power-modes?success=maybe", http.StatusBadRequest, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(t, r, tt.target)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}

			var resp handler.PowerModeListResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantTotal, resp.Total)

			codes := make([]string, 0, len(resp.Results))
			for _, rec := range resp.Results {
				codes = append(codes, rec.PlantCode)
			}
			assert.Equal(t, tt.wantCodes, codes)
		})
	}
}

func TestGetPowerMode(t *testing.T) {
	r := newTestRouter(t, nil)

	w := get(t, r, "/api/v1/power-modes/NE=1")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Alpha", body["plant_name"])
	assert.Equal(t, domain.ControlModeLimitedKW, body["control_mode"])
	assert.Equal(t, map[string]interface{}{"value": float64(50)}, body["limited_kw_param"])
	assert.Nil(t, body["zero_export_param"])

	w = get(t, r, "/api/v1/power-modes/NE=404")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	r := newTestRouter(t, nil)

	w := get(t, r, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats handler.StatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.TotalPlants)
	assert.Equal(t, int64(2), stats.SucceededPlants)
	assert.Equal(t, int64(1), stats.FailedPlants)
	assert.Equal(t, "NE=3", stats.LastPlantCode)
	assert.Len(t, stats.ControlModes, 2)
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/stats", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsRouter(t *testing.T) {
	r := SetupMetricsRouter("test")

	w := get(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(t, r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}
