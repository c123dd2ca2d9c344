// Package server assembles the reverse proxy that fronts one upstream and
// applies the Markdown response filter's Lifecycle as its ModifyResponse
// hook.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/mdresponsefilter/internal/converter"
	"github.com/sofatutor/mdresponsefilter/internal/lifecycle"
	"github.com/sofatutor/mdresponsefilter/internal/logging"
	"github.com/sofatutor/mdresponsefilter/internal/mdconfig"
	"github.com/sofatutor/mdresponsefilter/internal/metrics"
)

// Config holds the upstream target and transport tuning the proxy needs
// independent of the filter's own directive file.
type Config struct {
	TargetURL             *url.URL
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	FlushInterval         time.Duration
}

// DefaultConfig returns the tuning defaults used when the caller has not
// overridden them.
func DefaultConfig(target *url.URL) Config {
	return Config{
		TargetURL:             target,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		FlushInterval:         -1,
	}
}

// FilterProxy wires httputil.ReverseProxy around one upstream, resolving a
// fresh mdconfig.Record per request from the directive file it was built
// with and handing it to a per-request Lifecycle. The file is not
// re-read; a changed file on disk takes effect only on restart.
type FilterProxy struct {
	config    Config
	file      *mdconfig.File
	converter converter.Converter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	proxy     *httputil.ReverseProxy
}

// New builds a FilterProxy. conv is the shared Converter instance; it must
// be safe for concurrent use across request goroutines.
func New(cfg Config, file *mdconfig.File, conv converter.Converter, m *metrics.Metrics, logger *zap.Logger) *FilterProxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	fp := &FilterProxy{
		config:    cfg,
		file:      file,
		converter: conv,
		metrics:   m,
		logger:    logger.With(zap.String(logging.FieldComponent, logging.ComponentServer)),
	}
	fp.proxy = &httputil.ReverseProxy{
		Director:       fp.director,
		ModifyResponse: fp.modifyResponse,
		ErrorHandler:   fp.errorHandler,
		Transport:      fp.createTransport(),
		FlushInterval:  cfg.FlushInterval,
	}
	return fp
}

// Handler returns the http.Handler the listener should serve.
func (fp *FilterProxy) Handler() http.Handler {
	return fp.proxy
}

func (fp *FilterProxy) director(req *http.Request) {
	req.Header.Set("X-Forwarded-Host", req.Host)
	req.URL.Scheme = fp.config.TargetURL.Scheme
	req.URL.Host = fp.config.TargetURL.Host
	req.Host = fp.config.TargetURL.Host
}

// modifyResponse resolves the effective Record for the request's original
// vhost/location and delegates to a Lifecycle built for this one response.
// httputil.ReverseProxy calls this synchronously per request, which is why
// a fresh Lifecycle can be constructed here cheaply rather than pooled.
func (fp *FilterProxy) modifyResponse(res *http.Response) error {
	req := res.Request
	vhost, location := requestScope(req)
	record, err := fp.file.ResolveForHost(vhost, location)
	if err != nil {
		fp.logger.Warn("config resolution failed, passing response through unfiltered", zap.Error(err))
		return nil
	}

	lc := lifecycle.New(record, fp.converter, fp.metrics, fp.logger)
	return lc.ModifyResponse(res)
}

func requestScope(req *http.Request) (vhost, location string) {
	if req == nil {
		return "", ""
	}
	// The director has already rewritten req.Host to the upstream; the
	// client-facing host survives in X-Forwarded-Host.
	if h := req.Header.Get("X-Forwarded-Host"); h != "" {
		return h, req.URL.Path
	}
	return req.Host, req.URL.Path
}

func (fp *FilterProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	fp.logger.Error("upstream request failed", zap.Error(err), zap.String("path", r.URL.Path))

	status := http.StatusBadGateway
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream unavailable"})
}

func (fp *FilterProxy) createTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          fp.config.MaxIdleConns,
		MaxIdleConnsPerHost:   fp.config.MaxIdleConnsPerHost,
		IdleConnTimeout:       fp.config.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: fp.config.ResponseHeaderTimeout,
	}
}

// ParseTarget validates and parses the upstream target URL from a flag or
// environment value.
func ParseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("server: empty upstream target")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("server: invalid upstream target %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server: upstream target %q must be an absolute URL", raw)
	}
	return u, nil
}
