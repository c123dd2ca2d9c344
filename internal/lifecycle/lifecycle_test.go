package lifecycle

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/mdresponsefilter/internal/converter"
	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
	"github.com/sofatutor/mdresponsefilter/internal/metrics"
)

// stubConverter returns a fixed artifact (or error) regardless of input,
// so lifecycle tests exercise orchestration, not the real HTML parser.
type stubConverter struct {
	artifact *converter.Artifact
	err      error
	calls    int
}

func (s *stubConverter) Convert(ctx context.Context, html []byte, opts converter.Options) (*converter.Artifact, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.artifact, nil
}

func okConverter(markdown, etag string) *stubConverter {
	return &stubConverter{artifact: &converter.Artifact{Markdown: []byte(markdown), ETag: []byte(etag)}}
}

func newLifecycle(cfg mdconfig.Record, conv converter.Converter) *Lifecycle {
	return New(cfg, conv, metrics.New(), nil)
}

func newUpstreamResponse(t *testing.T, req *http.Request, body string, header http.Header) *http.Response {
	t.Helper()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "text/html; charset=utf-8")
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func defaultCfg() mdconfig.Record {
	cfg := mdconfig.DefaultRecord()
	cfg.Enabled = true
	cfg.Timeout = time.Second
	return cfg
}

func TestModifyResponse_BasicSuccess(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", nil)

	lc := newLifecycle(defaultCfg(), okConverter("# Hi\n", `"abc"`))
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/markdown; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Equal(t, `"abc"`, res.Header.Get("ETag"))
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "# Hi\n", string(body))
}

func TestModifyResponse_ExplicitRejectionBypasses(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown;q=0, text/html")
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", nil)

	conv := okConverter("# Hi\n", `"abc"`)
	lc := newLifecycle(defaultCfg(), conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, "text/html; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Equal(t, 0, conv.calls, "converter must not run when negotiation rejects markdown")
}

func TestModifyResponse_ConditionalMatchEmits304(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	req.Header.Set("If-None-Match", `"abc"`)
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", nil)

	lc := newLifecycle(defaultCfg(), okConverter("# Hi\n", `"abc"`))
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, http.StatusNotModified, res.StatusCode)
	assert.Equal(t, `"abc"`, res.Header.Get("ETag"))
	assert.Empty(t, res.Header.Get("X-Markdown-Tokens"))
}

func TestModifyResponse_OversizeFailOpenPassesThroughOriginal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	body := string(bytes.Repeat([]byte("a"), 1000))
	res := newUpstreamResponse(t, req, body, nil)

	cfg := defaultCfg()
	cfg.MaxSize = 100
	cfg.OnError = mdconfig.OnErrorPass
	conv := okConverter("# Hi\n", `"abc"`)
	lc := newLifecycle(cfg, conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 0, conv.calls, "converter must not run once buffering overflows")
	out, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(out), "passthrough must re-emit every upstream byte")

	snap := lc.Metrics.Snapshot()
	assert.Equal(t, int64(1), snap.ConversionsFailed)
	assert.Equal(t, int64(1), snap.FailuresResourceLimit)
	assert.Equal(t, snap.ConversionsSucceeded+snap.ConversionsFailed, snap.ConversionsAttempted)
}

func TestModifyResponse_OversizeFailClosedEmits502(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	body := string(bytes.Repeat([]byte("a"), 1000))
	res := newUpstreamResponse(t, req, body, nil)

	cfg := defaultCfg()
	cfg.MaxSize = 100
	cfg.OnError = mdconfig.OnErrorReject
	lc := newLifecycle(cfg, okConverter("# Hi\n", `"abc"`))
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestModifyResponse_GzipRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("<h1>Zipped</h1>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	header := make(http.Header)
	header.Set("Content-Encoding", "gzip")
	res := newUpstreamResponse(t, req, buf.String(), header)

	conv := okConverter("# Zipped\n", `"z"`)
	lc := newLifecycle(defaultCfg(), conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, 1, conv.calls)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "# Zipped\n", string(body))
}

func TestModifyResponse_AuthenticatedUpgradesCacheControl(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "xyz"})

	header := make(http.Header)
	header.Set("Cache-Control", "public, max-age=60")
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", header)

	cfg := defaultCfg()
	cfg.AuthPolicy = mdconfig.AuthPolicyAllow
	cfg.AuthCookiePatterns = []string{"session_id"}
	lc := newLifecycle(cfg, okConverter("# Hi\n", `"abc"`))
	require.NoError(t, lc.ModifyResponse(res))

	assert.Contains(t, res.Header.Get("Cache-Control"), "private")
}

func TestModifyResponse_IneligibleStatusBypassesWithoutConverting(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	res := newUpstreamResponse(t, req, "not found", nil)
	res.StatusCode = http.StatusNotFound

	conv := okConverter("# Hi\n", `"abc"`)
	lc := newLifecycle(defaultCfg(), conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, 0, conv.calls)
}

func TestModifyResponse_ConversionErrorFailOpenPassesThroughOriginal(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", nil)

	conv := &stubConverter{artifact: &converter.Artifact{ErrorCode: converter.ErrParse, ErrorMessage: "boom"}}
	cfg := defaultCfg()
	cfg.OnError = mdconfig.OnErrorPass
	lc := newLifecycle(cfg, conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", res.Header.Get("Content-Type"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hi</h1>", string(body), "fail-open must emit the original upstream bytes")

	snap := lc.Metrics.Snapshot()
	assert.Equal(t, snap.ConversionsSucceeded+snap.ConversionsFailed, snap.ConversionsAttempted)
	assert.Equal(t, int64(1), snap.FailuresConversion)
}

func TestModifyResponse_GzipConversionErrorFailOpenRestoresEncoding(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("<h1>Zipped</h1>"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	header := make(http.Header)
	header.Set("Content-Encoding", "gzip")
	res := newUpstreamResponse(t, req, buf.String(), header)

	conv := &stubConverter{artifact: &converter.Artifact{ErrorCode: converter.ErrParse, ErrorMessage: "boom"}}
	cfg := defaultCfg()
	cfg.OnError = mdconfig.OnErrorPass
	lc := newLifecycle(cfg, conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"),
		"fail-open after decompression must hand back the compressed original")
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), body)
}

func TestModifyResponse_UnsupportedEncodingPassesThroughCompressed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")

	header := make(http.Header)
	header.Set("Content-Encoding", "zstd")
	res := newUpstreamResponse(t, req, "compressed-bytes", header)

	conv := okConverter("# Hi\n", `"abc"`)
	lc := newLifecycle(defaultCfg(), conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, 0, conv.calls)
	assert.Equal(t, "zstd", res.Header.Get("Content-Encoding"))
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "compressed-bytes", string(body))

	snap := lc.Metrics.Snapshot()
	assert.Equal(t, int64(1), snap.ConversionsBypassed)
	assert.Zero(t, snap.ConversionsFailed, "unsupported codec is graceful, not a failure")
}

func TestModifyResponse_ChunkedBypassedWhenBufferingDisabled(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", nil)
	res.ContentLength = -1 // chunked upstream, length unknown

	cfg := defaultCfg()
	cfg.BufferChunked = false
	conv := okConverter("# Hi\n", `"abc"`)
	lc := newLifecycle(cfg, conv)
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, 0, conv.calls)
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "<h1>Hi</h1>", string(body))
	assert.Equal(t, int64(1), lc.Metrics.Snapshot().ConversionsBypassed)
}

func TestModifyResponse_SuccessMergesVary(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")

	header := make(http.Header)
	header.Set("Vary", "Accept-Encoding")
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", header)

	lc := newLifecycle(defaultCfg(), okConverter("# Hi\n", `"abc"`))
	require.NoError(t, lc.ModifyResponse(res))

	assert.Equal(t, "Accept-Encoding, Accept", res.Header.Get("Vary"))
}

func TestModifyResponse_HeadSuppressesBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodHead, "/doc.html", nil)
	req.Header.Set("Accept", "text/markdown")
	res := newUpstreamResponse(t, req, "<h1>Hi</h1>", nil)

	lc := newLifecycle(defaultCfg(), okConverter("# Hi\n", `"abc"`))
	require.NoError(t, lc.ModifyResponse(res))

	body, _ := io.ReadAll(res.Body)
	assert.Empty(t, body)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
