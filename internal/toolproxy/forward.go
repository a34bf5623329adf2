// Package toolproxy forwards requests to the tool-service fleet: a thin
// variant of llmproxy with no load balancing, no streaming, and routing by
// configured service name instead of model (spec.md §1, §6). Grounded on
// original_source/app/api/tools_api.py's forward_to_service, in the error-
// mapping style of internal/proxy/proxy.go's errorHandler.
package toolproxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modelgate/internal/clock"
	"modelgate/internal/config"
	"modelgate/internal/toolmetrics"
)

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Forward is the HTTP handler mounted at /tools/{service}/{path...}.
type Forward struct {
	clock   clock.Clock
	client  *http.Client
	metrics *toolmetrics.Recorder
	timeout time.Duration

	services map[string]serviceEntry // lowercased service name -> entry
}

type serviceEntry struct {
	canonicalName string
	baseURL       string
}

// New builds a Forward over the configured tool services. Each service's
// forwarding base URL is derived from its health URL's scheme and host,
// matching original_source's get_service_config.
func New(c clock.Clock, metrics *toolmetrics.Recorder, services []config.ToolServiceCfg, timeout time.Duration) *Forward {
	if c == nil {
		c = clock.RealClock{}
	}
	f := &Forward{
		clock:   c,
		metrics: metrics,
		timeout: timeout,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	f.UpdateServices(services)
	return f
}

// UpdateServices replaces the routable service set (config hot-reload).
func (f *Forward) UpdateServices(services []config.ToolServiceCfg) {
	next := make(map[string]serviceEntry, len(services))
	for _, svc := range services {
		next[strings.ToLower(svc.Name)] = serviceEntry{
			canonicalName: svc.Name,
			baseURL:       baseURLFromHealthURL(svc.HealthURL),
		}
	}
	f.services = next
}

func baseURLFromHealthURL(healthURL string) string {
	u, err := url.Parse(healthURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ServeHTTP expects "service" and "path" path values populated by the mux
// pattern "/tools/{service}/{path...}".
func (f *Forward) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	subpath := r.PathValue("path")

	entry, ok := f.services[strings.ToLower(service)]
	if !ok || entry.baseURL == "" {
		writeJSONError(w, http.StatusNotFound, "service not configured")
		return
	}
	canonical := entry.canonicalName

	outURL, err := joinURL(entry.baseURL, subpath, r.URL.RawQuery)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var body io.Reader = r.Body
	if r.Body == nil {
		body = http.NoBody
	}

	t0 := f.clock.Now()
	f.metrics.RecordStart(canonical)

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), body)
	if err != nil {
		f.metrics.RecordEnd(canonical, elapsedMs(f.clock, t0), true)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.RecordEnd(canonical, elapsedMs(f.clock, t0), true)
		writeUpstreamError(w, ctx, err)
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.metrics.RecordEnd(canonical, elapsedMs(f.clock, t0), true)
		writeJSONError(w, http.StatusBadGateway, "upstream transport error")
		return
	}

	f.metrics.RecordEnd(canonical, elapsedMs(f.clock, t0), resp.StatusCode >= 400)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(raw)
}

func joinURL(base, subpath, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(subpath, "/")
	u.RawQuery = rawQuery
	return u, nil
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		if k == "Host" || k == "Content-Length" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func writeUpstreamError(w http.ResponseWriter, ctx context.Context, err error) {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		writeJSONError(w, http.StatusGatewayTimeout, "upstream timeout")
		return
	}
	writeJSONError(w, http.StatusBadGateway, "upstream transport error")
}

func writeJSONError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": detail})
}

func elapsedMs(c clock.Clock, t0 time.Time) float64 {
	return float64(c.Now().Sub(t0).Microseconds()) / 1000.0
}
