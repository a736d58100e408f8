package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/internal/config"
	"fleet/internal/domain/entities"
	"fleet/internal/logging"
	"fleet/internal/metrics"
	"fleet/internal/recordio"
	"fleet/internal/repository/memory"
	"fleet/internal/services"
)

const testToken = "test-admin-token"

func workedExample() []entities.VehiclePosition {
	return []entities.VehiclePosition{
		entities.NewVehiclePosition(1, "ONE", 0, 0, 0),
		entities.NewVehiclePosition(2, "TWO", 10, 0, 0),
		entities.NewVehiclePosition(3, "THREE", 0, 10, 0),
	}
}

type testServer struct {
	engine  *gin.Engine
	service *services.NearestService
	repo    *memory.PositionRepository
}

func setupTestServer(t *testing.T, modify func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.NewDefaultConfig()
	cfg.Server.AdminToken = testToken
	cfg.Server.RateLimit = 0
	if modify != nil {
		modify(cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	repo := memory.NewPositionRepository(workedExample())

	service, err := services.NewNearestService(repo, cfg, m, logging.Discard())
	require.NoError(t, err)

	router := NewRouter(service, cfg.Server, m, reg, logging.Discard())
	return &testServer{engine: NewEngine(router), service: service, repo: repo}
}

func (s *testServer) rebuild(t *testing.T) {
	t.Helper()
	_, err := s.service.Rebuild(context.Background())
	require.NoError(t, err)
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t, nil)

	req, _ := http.NewRequest("GET", "/health", nil)
	w := srv.do(req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, false, decode(t, w)["ready"])
}

func TestReadyEndpoint(t *testing.T) {
	srv := setupTestServer(t, nil)

	req, _ := http.NewRequest("GET", "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, srv.do(req).Code)

	srv.rebuild(t)
	assert.Equal(t, http.StatusOK, srv.do(req).Code)
}

func TestNearestEndpoint(t *testing.T) {
	srv := setupTestServer(t, nil)
	srv.rebuild(t)

	req, _ := http.NewRequest("GET", "/nearest?lat=1&long=1", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := srv.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	body := decode(t, w)
	vehicle := body["vehicle"].(map[string]any)
	assert.Equal(t, 1.0, vehicle["vehicle_id"])
	assert.Equal(t, "ONE", vehicle["registration"])
	assert.InDelta(t, 1.41421356, body["distance"], 1e-8)
}

func TestNearestEndpoint_ZeroCoordinates(t *testing.T) {
	srv := setupTestServer(t, nil)
	srv.rebuild(t)

	req, _ := http.NewRequest("GET", "/nearest?lat=0&long=0", nil)
	w := srv.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0.0, decode(t, w)["distance"])
}

func TestNearestEndpoint_BadRequests(t *testing.T) {
	srv := setupTestServer(t, nil)
	srv.rebuild(t)

	for _, query := range []string{"", "lat=1", "long=1", "lat=abc&long=1", "lat=NaN&long=1", "lat=1&long=Inf"} {
		t.Run(query, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "/nearest?"+query, nil)
			w := srv.do(req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestNearestEndpoint_NotReadyAndEmpty(t *testing.T) {
	srv := setupTestServer(t, nil)

	req, _ := http.NewRequest("GET", "/nearest?lat=1&long=1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, srv.do(req).Code)

	_, err := srv.service.Replace(context.Background(), nil, false)
	require.NoError(t, err)

	w := srv.do(req)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no vehicles indexed", decode(t, w)["error"])
}

func TestBatchEndpoint(t *testing.T) {
	srv := setupTestServer(t, nil)
	srv.rebuild(t)

	body := `{"targets":[{"lat":1,"long":1},{"lat":9,"long":0},{"lat":0,"long":9}]}`
	req, _ := http.NewRequest("POST", "/nearest/batch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := srv.do(req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode(t, w)
	assert.Equal(t, 3.0, resp["count"])

	results := resp["results"].([]any)
	var ids []float64
	for _, r := range results {
		ids = append(ids, r.(map[string]any)["vehicle"].(map[string]any)["vehicle_id"].(float64))
	}
	assert.Equal(t, []float64{1, 2, 3}, ids)
}

func TestBatchEndpoint_TooLarge(t *testing.T) {
	srv := setupTestServer(t, func(c *config.Config) { c.Query.MaxBatch = 2 })
	srv.rebuild(t)

	body := `{"targets":[{"lat":1,"long":1},{"lat":2,"long":2},{"lat":3,"long":3}]}`
	req, _ := http.NewRequest("POST", "/nearest/batch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusRequestEntityTooLarge, srv.do(req).Code)

	req, _ = http.NewRequest("POST", "/nearest/batch", strings.NewReader(`{"targets":`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, srv.do(req).Code)
}

func TestIndexStatsAndCells(t *testing.T) {
	srv := setupTestServer(t, nil)

	req, _ := http.NewRequest("GET", "/index/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, srv.do(req).Code)

	srv.rebuild(t)
	w := srv.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.Equal(t, 3.0, stats["positions"])
	assert.Equal(t, "split-plane", stats["prune"])
	assert.Equal(t, false, stats["rebuilding"])

	req, _ = http.NewRequest("GET", "/index/cells/s1", nil)
	w = srv.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	cell := decode(t, w)
	assert.Equal(t, 1.0, cell["count"], "only (10, 0) lies in cell s1")
	assert.Equal(t, map[string]any{"lat": 8.4375, "long": 5.625}, cell["center"])

	req, _ = http.NewRequest("GET", "/index/cells/s", nil)
	w = srv.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.0, decode(t, w)["count"])

	req, _ = http.NewRequest("GET", "/index/cells/00", nil)
	w = srv.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["vehicles"])
}

func TestAdminEndpoints_Auth(t *testing.T) {
	srv := setupTestServer(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/index/rebuild", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, srv.do(req).Code)
		})
	}
}

func TestAdminEndpoints_DisabledWithoutToken(t *testing.T) {
	srv := setupTestServer(t, func(c *config.Config) { c.Server.AdminToken = "" })

	req, _ := http.NewRequest("POST", "/index/rebuild", nil)
	req.Header.Set("Authorization", "Bearer ")
	assert.Equal(t, http.StatusForbidden, srv.do(req).Code)
}

func TestUploadEndpoint(t *testing.T) {
	srv := setupTestServer(t, nil)
	srv.rebuild(t)

	uploaded := memory.Generate(40, 3)
	for _, c := range []recordio.Compression{recordio.CompressionNone, recordio.CompressionGzip, recordio.CompressionZstd, recordio.CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			var body bytes.Buffer
			require.NoError(t, recordio.Encode(&body, uploaded, c))

			req, _ := http.NewRequest("PUT", "/index/positions", &body)
			req.Header.Set("Authorization", "Bearer "+testToken)
			if c != recordio.CompressionNone {
				req.Header.Set("Content-Encoding", c.String())
			}
			w := srv.do(req)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, 40.0, decode(t, w)["positions"])
		})
	}
	assert.Equal(t, 3, srv.repo.Len(), "not persisted by default")

	var body bytes.Buffer
	require.NoError(t, recordio.WriteAll(&body, uploaded))
	req, _ := http.NewRequest("PUT", "/index/positions?persist=true", &body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	require.Equal(t, http.StatusOK, srv.do(req).Code)
	assert.Equal(t, 40, srv.repo.Len())
}

func TestUploadEndpoint_Errors(t *testing.T) {
	srv := setupTestServer(t, func(c *config.Config) { c.Server.MaxUpload = 64 })
	srv.rebuild(t)

	send := func(body []byte, encoding, query string) int {
		req, _ := http.NewRequest("PUT", "/index/positions"+query, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+testToken)
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
		return srv.do(req).Code
	}

	var big bytes.Buffer
	require.NoError(t, recordio.WriteAll(&big, memory.Generate(10, 1)))

	assert.Equal(t, http.StatusBadRequest, send([]byte{1, 0, 0, 0, 5, 'A'}, "", ""), "truncated record")
	nanRecord := []byte{1, 0, 0, 0, 0, 0x00, 0x00, 0xc0, 0x7f, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	assert.Equal(t, http.StatusBadRequest, send(nanRecord, "", ""), "NaN latitude")
	assert.Equal(t, http.StatusUnsupportedMediaType, send(nil, "br", ""))
	assert.Equal(t, http.StatusBadRequest, send(nil, "", "?persist=maybe"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, send(big.Bytes(), "", ""))

	stats, err := srv.service.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Positions, "failed uploads leave the index alone")
}

func TestRateLimit(t *testing.T) {
	srv := setupTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = 0.001
		c.Server.RateBurst = 2
	})
	srv.rebuild(t)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("GET", "/nearest?lat=1&long=1", nil)
		codes = append(codes, srv.do(req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req, _ := http.NewRequest("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, srv.do(req).Code, "health is not rate limited")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := setupTestServer(t, nil)
	srv.rebuild(t)

	req, _ := http.NewRequest("GET", "/nearest?lat=1&long=1", nil)
	srv.do(req)

	req, _ = http.NewRequest("GET", "/metrics", nil)
	w := srv.do(req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fleet_nearest_queries_total{outcome="found",prune="split-plane"} 1`)
	assert.Contains(t, w.Body.String(), "fleet_index_positions 3")
	assert.Contains(t, w.Body.String(), `fleet_http_requests_total{code="200",route="/nearest"} 1`)
}
