package metrics

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Handler serves a counter snapshot as plain text or JSON, selected by the
// request's Accept header (JSON iff it contains application/json anywhere,
// case-insensitively, regardless of q-values or other entries; anything
// else gets plain text).
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := m.Snapshot()
		if wantsJSON(r.Header.Get("Accept")) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(snap)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "conversions_attempted %d\n", snap.ConversionsAttempted)
		fmt.Fprintf(w, "conversions_succeeded %d\n", snap.ConversionsSucceeded)
		fmt.Fprintf(w, "conversions_failed %d\n", snap.ConversionsFailed)
		fmt.Fprintf(w, "conversions_bypassed %d\n", snap.ConversionsBypassed)
		fmt.Fprintf(w, "failures_conversion %d\n", snap.FailuresConversion)
		fmt.Fprintf(w, "failures_resource_limit %d\n", snap.FailuresResourceLimit)
		fmt.Fprintf(w, "failures_system %d\n", snap.FailuresSystem)
		fmt.Fprintf(w, "input_bytes %d\n", snap.InputBytes)
		fmt.Fprintf(w, "output_bytes %d\n", snap.OutputBytes)
		fmt.Fprintf(w, "conversion_time_sum_ms %d\n", snap.ConversionTimeSumMs)
		fmt.Fprintf(w, "decompressions_attempted %d\n", snap.DecompressionsAttempted)
		fmt.Fprintf(w, "decompressions_succeeded %d\n", snap.DecompressionsSucceeded)
		fmt.Fprintf(w, "decompressions_failed %d\n", snap.DecompressionsFailed)
		fmt.Fprintf(w, "decompressions_gzip %d\n", snap.DecompressionsGzip)
		fmt.Fprintf(w, "decompressions_deflate %d\n", snap.DecompressionsDeflate)
		fmt.Fprintf(w, "decompressions_brotli %d\n", snap.DecompressionsBrotli)
	})
}

func wantsJSON(accept string) bool {
	accept = strings.ToLower(accept)
	return strings.Contains(accept, "application/json")
}

// LoopbackOnly wraps next so only requests whose remote address resolves
// to a loopback IP are served; everything else gets 403. Access to the
// metrics endpoint is restricted to loopback per the directive surface.
func LoopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "metrics endpoint restricted to loopback", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
