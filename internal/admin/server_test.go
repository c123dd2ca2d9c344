package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
	"github.com/sofatutor/mdresponsefilter/internal/metrics"
)

func testFile() *mdconfig.File {
	enable := true
	return &mdconfig.File{
		Global: mdconfig.Directives{Enable: &enable},
	}
}

func TestHandleHealth(t *testing.T) {
	s := NewServer(":0", testFile(), metrics.New(), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestHandleStatus_Global(t *testing.T) {
	s := NewServer(":0", testFile(), metrics.New(), nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Enabled":true`)
}

func TestHandleStatus_UnknownVHostFallsBackToGlobal(t *testing.T) {
	s := NewServer(":0", testFile(), metrics.New(), nil)
	req := httptest.NewRequest(http.MethodGet, "/status/nonexistent.example", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
