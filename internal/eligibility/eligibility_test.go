package eligibility

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
	"github.com/stretchr/testify/assert"
)

func baseConfig() mdconfig.Record {
	cfg := mdconfig.DefaultRecord()
	cfg.Enabled = true
	cfg.MaxSize = 1024
	return cfg
}

func TestCheck_Disabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/html"}}, cfg, false)
	assert.False(t, res.Eligible)
	assert.Equal(t, ReasonConfig, res.Reason)
}

func TestCheck_WrongMethod(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/html"}}, cfg, false)
	assert.Equal(t, ReasonMethod, res.Reason)
}

func TestCheck_NonOKStatus(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 206, http.Header{"Content-Type": {"text/html"}}, cfg, false)
	assert.Equal(t, ReasonStatus, res.Reason)
}

func TestCheck_RangeRequest(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=0-10")
	res := Check(req, 200, http.Header{"Content-Type": {"text/html"}}, cfg, false)
	assert.Equal(t, ReasonRange, res.Reason)
}

func TestCheck_EventStream(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/event-stream"}}, cfg, false)
	assert.Equal(t, ReasonStreaming, res.Reason)
}

func TestCheck_ConfiguredStreamType(t *testing.T) {
	cfg := baseConfig()
	cfg.StreamTypes = []string{"application/x-ndjson"}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"application/x-ndjson"}}, cfg, false)
	assert.Equal(t, ReasonStreaming, res.Reason)
}

func TestCheck_StreamingCheckedBeforeContentType(t *testing.T) {
	// text/event-stream doesn't start with text/html, but must surface the
	// more specific "streaming" reason rather than "content_type".
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/event-stream; charset=utf-8"}}, cfg, false)
	assert.Equal(t, ReasonStreaming, res.Reason)
}

func TestCheck_WrongContentType(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"application/json"}}, cfg, false)
	assert.Equal(t, ReasonContentType, res.Reason)
}

func TestCheck_ContentTypeWithCharset(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/html; charset=utf-8"}}, cfg, false)
	assert.True(t, res.Eligible)
}

func TestCheck_Oversize(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h := http.Header{"Content-Type": {"text/html"}, "Content-Length": {"9999999"}}
	res := Check(req, 200, h, cfg, false)
	assert.Equal(t, ReasonSize, res.Reason)
}

func TestCheck_AuthDenied(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthPolicy = mdconfig.AuthPolicyDeny
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/html"}}, cfg, true)
	assert.Equal(t, ReasonAuth, res.Reason)
}

func TestCheck_AuthAllowed(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthPolicy = mdconfig.AuthPolicyAllow
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/html"}}, cfg, true)
	assert.True(t, res.Eligible)
}

func TestCheck_HeadAllowed(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodHead, "/", nil)
	res := Check(req, 200, http.Header{"Content-Type": {"text/html"}}, cfg, false)
	assert.True(t, res.Eligible)
}

func TestCheck_FullyEligible(t *testing.T) {
	cfg := baseConfig()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h := http.Header{"Content-Type": {"text/html"}, "Content-Length": {"100"}}
	res := Check(req, 200, h, cfg, false)
	assert.True(t, res.Eligible)
	assert.Equal(t, ReasonNone, res.Reason)
}
