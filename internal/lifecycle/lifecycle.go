// Package lifecycle implements the response-lifecycle state machine: the
// orchestrator that joins negotiation, eligibility, buffering,
// decompression, conversion, and conditional-request handling into a
// single per-request pass over an upstream response.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sofatutor/mdresponsefilter/internal/authclass"
	"github.com/sofatutor/mdresponsefilter/internal/bodybuf"
	"github.com/sofatutor/mdresponsefilter/internal/conditional"
	"github.com/sofatutor/mdresponsefilter/internal/converter"
	"github.com/sofatutor/mdresponsefilter/internal/decompress"
	"github.com/sofatutor/mdresponsefilter/internal/eligibility"
	"github.com/sofatutor/mdresponsefilter/internal/failpolicy"
	"github.com/sofatutor/mdresponsefilter/internal/logging"
	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
	"github.com/sofatutor/mdresponsefilter/internal/metrics"
	"github.com/sofatutor/mdresponsefilter/internal/negotiate"
	"github.com/sofatutor/mdresponsefilter/internal/obfuscate"
)

// Phase names a position in the per-request state machine, kept on
// Context for logging and tests; control flow itself is a straight-line
// call chain rather than an explicit transition table.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseHeadersSeen
	PhaseBuffering
	PhaseDecompressing
	PhaseConverting
	PhaseEmitting
	PhasePassthrough
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseHeadersSeen:
		return "headers_seen"
	case PhaseBuffering:
		return "buffering"
	case PhaseDecompressing:
		return "decompressing"
	case PhaseConverting:
		return "converting"
	case PhaseEmitting:
		return "emitting"
	case PhasePassthrough:
		return "passthrough"
	case PhaseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Context is the request-scoped state the Lifecycle owns exclusively for
// the duration of one response. Nothing here is shared across requests.
type Context struct {
	Phase                Phase
	Compression          decompress.Kind
	Eligible             bool
	HeadersForwarded     bool
	ConversionAttempted  bool
	ConversionSucceeded  bool
	OriginalETag         string
	ConstructedBaseURL   string
}

// Lifecycle wires the negotiation, eligibility, buffering, and
// conditional concerns together around one configured Converter.
type Lifecycle struct {
	Config    mdconfig.Record
	Converter converter.Converter
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// New creates a Lifecycle. A nil logger degrades to a no-op logger. The
// scope's log_verbosity directive can only tighten the process-wide log
// level for this request, never loosen it.
func New(cfg mdconfig.Record, conv converter.Converter, m *metrics.Metrics, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LogVerbosity != "" {
		if lvl, err := zapcore.ParseLevel(cfg.LogVerbosity); err == nil {
			logger = logger.WithOptions(zap.IncreaseLevel(lvl))
		}
	}
	return &Lifecycle{Config: cfg, Converter: conv, Metrics: m, Logger: logger.With(zap.String(logging.FieldComponent, logging.ComponentLifecycle))}
}

// ModifyResponse is the entry point the host's reverse proxy invokes as
// httputil.ReverseProxy's ModifyResponse hook (see net/http/httputil). It
// never returns an error for ordinary fail-open dispositions: returning
// an error here would make httputil.ReverseProxy emit its own 502 and
// drop headers already staged, so all of this package's failure handling
// resolves in place by rewriting res before returning nil.
func (lc *Lifecycle) ModifyResponse(res *http.Response) error {
	ctx := &Context{Phase: PhaseHeadersSeen}
	req := res.Request
	log := lc.requestLogger(req)

	if lc.skipNegotiation(req) {
		ctx.Phase = PhasePassthrough
		lc.Metrics.ConversionsBypassed.Add(1)
		log.Debug("bypassed: negotiation", zap.String("phase", ctx.Phase.String()))
		return nil
	}

	authed := authclass.IsAuthenticated(req, lc.Config)
	if authed {
		if v := req.Header.Get("Authorization"); v != "" {
			log.Debug("authenticated request", zap.String("authorization", obfuscate.RedactAuthorization(v)))
		}
	}
	elig := eligibility.Check(req, res.StatusCode, res.Header, lc.Config, authed)
	if !elig.Eligible {
		ctx.Phase = PhasePassthrough
		lc.Metrics.ConversionsBypassed.Add(1)
		log.Debug("bypassed: ineligible", zap.String("reason", string(elig.Reason)))
		return nil
	}
	ctx.Eligible = true

	if !lc.Config.BufferChunked && res.ContentLength < 0 {
		ctx.Phase = PhasePassthrough
		lc.Metrics.ConversionsBypassed.Add(1)
		log.Debug("bypassed: chunked response with buffering disabled")
		return nil
	}

	ctx.Phase = PhaseBuffering
	ctx.ConstructedBaseURL = req.URL.String()

	if res.Body == nil || res.Body == http.NoBody {
		return nil
	}

	acc := bodybuf.New(lc.Config.MaxSize, func() {})
	if res.ContentLength > 0 {
		acc.Reserve(res.ContentLength)
	}

	upstream := res.Body
	overflowPending, ioErr := bufferBody(acc, upstream)
	rawBody := append([]byte(nil), acc.Bytes()...)
	acc.Release()
	if ioErr != nil {
		log.Warn("body read error", zap.Error(ioErr))
		return lc.handleFailure(ctx, res, failpolicy.KindSystem, rawBody, "")
	}
	if overflowPending != nil {
		log.Debug("buffering overflow", zap.Int64("max_size", lc.Config.MaxSize))
		lc.countFailure(ctx, failpolicy.KindResourceLimit)
		if failpolicy.Decide(failpolicy.KindResourceLimit, lc.Config.OnError) == failpolicy.DispositionReject {
			_ = upstream.Close()
			ctx.Phase = PhaseTerminal
			return emit502(res)
		}
		// Replay the buffered prefix plus the chunk that overflowed, then
		// hand off to the still-open upstream reader. Headers stay as
		// upstream sent them: the concatenation is the full original body.
		ctx.Phase = PhasePassthrough
		replay := append(rawBody, overflowPending...)
		res.Body = prefixedBody{
			Reader: io.MultiReader(bytes.NewReader(replay), upstream),
			Closer: upstream,
		}
		return nil
	}

	origEncoding := res.Header.Get("Content-Encoding")

	ctx.Phase = PhaseDecompressing
	htmlBytes, kind, decompErr := lc.decompressBody(res, rawBody)
	if decompErr != nil {
		if errors.Is(decompErr, decompress.ErrUnsupported) {
			log.Debug("decompression unsupported, passing through compressed body")
			lc.Metrics.ConversionsBypassed.Add(1)
			ctx.Phase = PhasePassthrough
			res.Body = io.NopCloser(bytes.NewReader(rawBody))
			res.ContentLength = int64(len(rawBody))
			return nil
		}
		lc.Metrics.DecompressionsFailed.Add(1)
		failKind := failpolicy.KindConversion
		if errors.Is(decompErr, decompress.ErrResourceLimit) {
			failKind = failpolicy.KindResourceLimit
		}
		return lc.handleFailure(ctx, res, failKind, rawBody, "")
	}
	ctx.Compression = kind

	ctx.Phase = PhaseConverting
	lc.Metrics.InputBytes.Add(int64(len(htmlBytes)))

	convertFn := func() (*converter.Artifact, error) {
		ctx.ConversionAttempted = true
		lc.Metrics.ConversionsAttempted.Add(1)
		cctx, cancel := context.WithTimeout(req.Context(), lc.Config.Timeout)
		defer cancel()
		start := time.Now()
		a, err := lc.Converter.Convert(cctx, htmlBytes, converter.Options{
			Flavor:         lc.Config.Flavor,
			Timeout:        lc.Config.Timeout,
			GenerateETag:   lc.Config.GenerateETag,
			EstimateTokens: lc.Config.TokenEstimate,
			FrontMatter:    lc.Config.FrontMatter,
			ContentType:    res.Header.Get("Content-Type"),
			BaseURL:        ctx.ConstructedBaseURL,
		})
		lc.Metrics.ConversionTimeSumMs.Add(time.Since(start).Milliseconds())
		return a, err
	}

	result := conditional.Evaluate(lc.Config.ConditionalMode, req, convertFn)

	var artifact *converter.Artifact
	switch result.Outcome {
	case conditional.NotModified:
		ctx.Phase = PhaseTerminal
		lc.Metrics.ConversionsSucceeded.Add(1)
		ctx.ConversionSucceeded = true
		log.Debug("conditional match, emitting 304")
		return lc.emit304(res, result.Artifact)
	case conditional.Proceed:
		artifact = result.Artifact
		if result.Err != nil {
			return lc.handleFailure(ctx, res, failpolicy.KindSystem, rawBody, origEncoding)
		}
	case conditional.NoHeader:
		a, err := convertFn()
		if err != nil {
			return lc.handleFailure(ctx, res, failpolicy.KindSystem, rawBody, origEncoding)
		}
		artifact = a
	}

	if artifact.ErrorCode != 0 {
		kindOf := converter.ClassifyError(artifact.ErrorCode)
		log.Debug("conversion failed", zap.Int("error_code", int(artifact.ErrorCode)), zap.String("message", artifact.ErrorMessage))
		return lc.handleFailure(ctx, res, kindOf, rawBody, origEncoding)
	}

	ctx.Phase = PhaseEmitting
	lc.Metrics.ConversionsSucceeded.Add(1)
	ctx.ConversionSucceeded = true
	err := lc.emitConverted(res, req, artifact, authed)
	ctx.Phase = PhaseTerminal
	return err
}

// skipNegotiation reports whether the client's Accept header fails the
// negotiation decision, cheaply bypassing the rest of the pipeline.
func (lc *Lifecycle) skipNegotiation(req *http.Request) bool {
	return negotiate.Decide(req.Header.Get("Accept"), lc.Config.WildcardAccept) == negotiate.Skip
}

// prefixedBody replays already-buffered bytes ahead of the rest of a
// still-open upstream body, so passthrough after partial buffering loses
// nothing.
type prefixedBody struct {
	io.Reader
	io.Closer
}

// bufferBody reads body into acc until EOF or overflow. On overflow it
// returns a copy of the chunk that did not fit and leaves body open and
// unconsumed beyond that point, so the caller can chain the accumulated
// prefix, the returned chunk, and the remaining reader back together for
// passthrough. On EOF or a read error the body is closed.
func bufferBody(acc *bodybuf.Accumulator, body io.ReadCloser) (overflowPending []byte, err error) {
	buf := make([]byte, 32<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if acc.Append(chunk) == bodybuf.Overflow {
				return append([]byte(nil), chunk...), nil
			}
		}
		if rerr == io.EOF {
			_ = body.Close()
			return nil, nil
		}
		if rerr != nil {
			_ = body.Close()
			return nil, rerr
		}
	}
}

// decompressBody inflates raw per the upstream Content-Encoding header
// when auto_decompress is enabled, removing the header on success so the
// converter sees plain bytes.
func (lc *Lifecycle) decompressBody(res *http.Response, raw []byte) ([]byte, decompress.Kind, error) {
	kind := decompress.DetectKind(res.Header.Get("Content-Encoding"))
	if !lc.Config.AutoDecompress && kind != decompress.KindNone {
		kind = decompress.KindUnsupported
	}
	if kind == decompress.KindNone {
		return raw, kind, nil
	}
	if kind == decompress.KindUnsupported {
		return nil, kind, decompress.ErrUnsupported
	}

	lc.Metrics.DecompressionsAttempted.Add(1)
	switch kind {
	case decompress.KindGzip:
		lc.Metrics.DecompressionsGzip.Add(1)
	case decompress.KindDeflate:
		lc.Metrics.DecompressionsDeflate.Add(1)
	case decompress.KindBrotli:
		lc.Metrics.DecompressionsBrotli.Add(1)
	}

	out, err := decompress.Decompress(kind, raw, lc.Config.MaxSize)
	if err != nil {
		return nil, kind, err
	}
	lc.Metrics.DecompressionsSucceeded.Add(1)
	res.Header.Del("Content-Encoding")
	return out, kind, nil
}

// countFailure updates the failure counters for kind. A failure before
// the converter ran still counts the conversion as attempted, keeping
// attempted equal to succeeded plus failed at every observable point.
func (lc *Lifecycle) countFailure(ctx *Context, kind failpolicy.Kind) {
	if !ctx.ConversionAttempted {
		ctx.ConversionAttempted = true
		lc.Metrics.ConversionsAttempted.Add(1)
	}
	lc.Metrics.ConversionsFailed.Add(1)
	switch kind {
	case failpolicy.KindConversion:
		lc.Metrics.FailuresConversion.Add(1)
	case failpolicy.KindResourceLimit:
		lc.Metrics.FailuresResourceLimit.Add(1)
	case failpolicy.KindSystem:
		lc.Metrics.FailuresSystem.Add(1)
	}
}

// handleFailure applies the Failure Policy for kind: on fail-open it
// rewrites res.Body to fallbackBody (the upstream bytes the client must
// still see byte-for-byte), restoring origEncoding if decompression had
// already stripped the Content-Encoding header; on fail-closed it
// discards fallbackBody and emits a 502.
func (lc *Lifecycle) handleFailure(ctx *Context, res *http.Response, kind failpolicy.Kind, fallbackBody []byte, origEncoding string) error {
	lc.countFailure(ctx, kind)

	if failpolicy.Decide(kind, lc.Config.OnError) == failpolicy.DispositionReject {
		ctx.Phase = PhaseTerminal
		return emit502(res)
	}

	ctx.Phase = PhasePassthrough
	if origEncoding != "" {
		res.Header.Set("Content-Encoding", origEncoding)
	}
	if fallbackBody != nil {
		res.Body = io.NopCloser(bytes.NewReader(fallbackBody))
		res.ContentLength = int64(len(fallbackBody))
		res.Header.Set("Content-Length", strconv.Itoa(len(fallbackBody)))
	}
	return nil
}

func emit502(res *http.Response) error {
	body := []byte("Bad Gateway: markdown conversion failed\n")
	res.StatusCode = http.StatusBadGateway
	res.Status = "502 Bad Gateway"
	res.Header = make(http.Header)
	res.Header.Set("Content-Type", "text/plain; charset=utf-8")
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return nil
}

func (lc *Lifecycle) emitConverted(res *http.Response, req *http.Request, artifact *converter.Artifact, authed bool) error {
	res.StatusCode = http.StatusOK
	res.Status = "200 OK"
	res.Header.Set("Content-Type", "text/markdown; charset=utf-8")
	res.Header.Set("Content-Length", strconv.Itoa(len(artifact.Markdown)))
	mergeVary(res.Header, "Accept")
	res.Header.Del("Content-Encoding")
	res.Header.Del("Accept-Ranges")

	if lc.Config.GenerateETag && len(artifact.ETag) > 0 {
		res.Header.Set("ETag", string(artifact.ETag))
	} else {
		res.Header.Del("ETag")
	}

	if lc.Config.TokenEstimate && artifact.TokenEstimate > 0 {
		res.Header.Set("X-Markdown-Tokens", strconv.Itoa(artifact.TokenEstimate))
	} else {
		res.Header.Del("X-Markdown-Tokens")
	}

	if authed {
		res.Header.Set("Cache-Control", authclass.RewriteCacheControl(res.Header.Get("Cache-Control")))
	}

	lc.Metrics.OutputBytes.Add(int64(len(artifact.Markdown)))

	if req.Method == http.MethodHead {
		res.Body = http.NoBody
		res.ContentLength = 0
		return nil
	}
	res.Body = io.NopCloser(bytes.NewReader(artifact.Markdown))
	res.ContentLength = int64(len(artifact.Markdown))
	return nil
}

func (lc *Lifecycle) emit304(res *http.Response, artifact *converter.Artifact) error {
	newHeader := make(http.Header)
	if artifact != nil && len(artifact.ETag) > 0 {
		newHeader.Set("ETag", string(artifact.ETag))
	}
	mergeVary(newHeader, "Accept")
	res.Header = newHeader
	res.StatusCode = http.StatusNotModified
	res.Status = "304 Not Modified"
	res.Body = http.NoBody
	res.ContentLength = 0
	return nil
}

// mergeVary adds token into h's Vary header without duplicating an
// existing case-insensitive match.
func mergeVary(h http.Header, token string) {
	existing := h.Get("Vary")
	if existing == "" {
		h.Set("Vary", token)
		return
	}
	for _, v := range strings.Split(existing, ",") {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return
		}
	}
	h.Set("Vary", existing+", "+token)
}

func (lc *Lifecycle) requestLogger(req *http.Request) *zap.Logger {
	if req == nil {
		return lc.Logger
	}
	return logging.WithContext(lc.Logger, req.Context())
}
