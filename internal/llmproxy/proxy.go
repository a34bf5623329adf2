// Package llmproxy is the Streaming Proxy of spec.md §4.3: it selects an
// instance from modelpool.Store, forwards the request, and for streaming
// responses tees the byte stream through a line-buffered parser that
// extracts token counts inline.
//
// Grounded on internal/proxy/proxy.go's director/modifyResponse/errorHandler
// shape and pooled http.Transport, but forwarding is done by hand rather
// than through httputil.ReverseProxy: ReverseProxy copies the response body
// verbatim with no hook to tee it through a parser, which this path needs.
package llmproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modelgate/internal/clock"
	"modelgate/internal/modelpool"
)

// maxStreamLineBytes caps the Stream Tee's decode buffer (spec.md §5); a
// line longer than this is treated as a stream error.
const maxStreamLineBytes = 1 << 20

var errStreamLineOverflow = errors.New("llmproxy: stream line exceeded buffer limit")

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Proxy is the HTTP handler mounted at /modelbase/{model}/{path...}.
type Proxy struct {
	store            *modelpool.Store
	client           *http.Client
	clock            clock.Clock
	timeout          time.Duration
	streamSniffLimit int64
}

// New builds a Proxy backed by a pooled transport, mirroring the teacher's
// connection-reuse settings.
func New(store *modelpool.Store, clk clock.Clock, timeout time.Duration, streamSniffLimit int64) *Proxy {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if streamSniffLimit <= 0 {
		streamSniffLimit = 4 << 20
	}
	return &Proxy{
		store:            store,
		clock:            clk,
		timeout:          timeout,
		streamSniffLimit: streamSniffLimit,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// ServeHTTP expects the mux to have populated the "model" and "path" path
// values (net/http's ServeMux pattern "/modelbase/{model}/{path...}").
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	subpath := r.PathValue("path")

	name, baseURL, err := p.store.Select(model)
	if err != nil {
		writeSelectError(w, err)
		return
	}

	t0 := p.clock.Now()

	prefix, rest, err := peekBody(r.Body, p.streamSniffLimit)
	if err != nil {
		p.commit(model, name, t0, true, 0)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	streaming := sniffStream(prefix)
	body := io.MultiReader(bytes.NewReader(prefix), rest)

	outURL, err := joinURL(baseURL, subpath, r.URL.RawQuery)
	if err != nil {
		p.commit(model, name, t0, true, 0)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if streaming {
		p.proxyStreaming(w, r, model, name, outURL, body, t0)
		return
	}
	p.proxyUnary(w, r, model, name, outURL, body, t0)
}

func (p *Proxy) commit(model, name string, t0 time.Time, isError bool, tokenCount int64) {
	rtMs := elapsedMs(p.clock, t0)
	if err := p.store.Commit(model, name, rtMs, isError, tokenCount); err != nil {
		slog.Error("llmproxy: commit failed", "model", model, "instance", name, "error", err)
	}
}

func (p *Proxy) proxyUnary(w http.ResponseWriter, r *http.Request, model, name string, outURL *url.URL, body io.Reader, t0 time.Time) {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), body)
	if err != nil {
		p.commit(model, name, t0, true, 0)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		p.commit(model, name, t0, true, 0)
		writeUpstreamError(w, ctx, err)
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		p.commit(model, name, t0, true, 0)
		writeJSONError(w, http.StatusBadGateway, "upstream transport error")
		return
	}

	tokenCount := extractUnaryTokens(raw)
	p.commit(model, name, t0, resp.StatusCode >= 400, tokenCount)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(raw)
}

func (p *Proxy) proxyStreaming(w http.ResponseWriter, r *http.Request, model, name string, outURL *url.URL, body io.Reader, t0 time.Time) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), body)
	if err != nil {
		p.commit(model, name, t0, true, 0)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	copyRequestHeaders(req.Header, r.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		p.commit(model, name, t0, true, 0)
		writeUpstreamError(w, r.Context(), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		p.commit(model, name, t0, true, extractUnaryTokens(raw))
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		w.Write(raw)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	tokenCount, streamErr := teeStream(w, flusher, resp.Body)
	p.commit(model, name, t0, streamErr != nil, tokenCount)
}

// teeStream is the Stream Tee of spec.md §4.3: a pull-pull pipeline (this
// goroutine both reads upstream and writes downstream — no fan-out channel)
// that forwards every chunk unchanged and in order while parsing it inline.
func teeStream(w io.Writer, flusher http.Flusher, upstream io.Reader) (tokenCount int64, err error) {
	acc := newTokenAccumulator()
	lineBuf := make([]byte, 0, 4096)
	buf := make([]byte, 32*1024)

	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				return acc.result(), werr
			}
			if flusher != nil {
				flusher.Flush()
			}

			for _, b := range chunk {
				if b == '\n' {
					acc.ingestLine(lineBuf)
					lineBuf = lineBuf[:0]
					continue
				}
				lineBuf = append(lineBuf, b)
				if len(lineBuf) > maxStreamLineBytes {
					return acc.result(), errStreamLineOverflow
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if len(lineBuf) > 0 {
					acc.ingestLine(lineBuf)
				}
				tokenCount = acc.result()
				if tokenCount == 0 {
					tokenCount = acc.byteScanFallback()
				}
				return tokenCount, nil
			}
			return acc.result(), rerr
		}
	}
}

// peekBody buffers up to limit bytes of body (to sniff "stream":true)
// without losing the remainder, which the caller must still forward.
func peekBody(body io.Reader, limit int64) (prefix []byte, rest io.Reader, err error) {
	if body == nil {
		return nil, http.NoBody, nil
	}
	prefix, err = io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return nil, nil, err
	}
	return prefix, body, nil
}

// sniffStream decides streaming vs unary per spec.md §4.3 step 3: failure to
// parse is not an error — it defaults to unary.
func sniffStream(prefix []byte) bool {
	if len(prefix) == 0 {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal(prefix, &obj); err != nil {
		return false
	}
	v, ok := obj["stream"].(bool)
	return ok && v
}

func joinURL(baseURL, subpath, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
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

func writeSelectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, modelpool.ErrModelNotConfigured):
		writeJSONError(w, http.StatusNotFound, "model not configured")
	case errors.Is(err, modelpool.ErrNoHealthyInstance):
		writeJSONError(w, http.StatusServiceUnavailable, "no healthy instance")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
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
	ms := float64(c.Now().Sub(t0).Microseconds()) / 1000.0
	return math.Round(ms*100) / 100
}
