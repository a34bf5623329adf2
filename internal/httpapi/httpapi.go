// Package httpapi assembles the gateway's top-level HTTP routing: the LLM
// fleet proxy and its metrics endpoints, the tool-fleet proxy and its
// metrics endpoint, and the knowledge-base stub spec.md places out of core
// scope. Grounded on cmd/gateway/main.go's mux assembly, generalized from a
// single backend-pool route to the multiple route families SPEC_FULL.md §6
// names.
package httpapi

import (
	"encoding/json"
	"net/http"

	"modelgate/internal/health"
	"modelgate/internal/llmproxy"
	"modelgate/internal/modelpool"
	"modelgate/internal/toolmetrics"
	"modelgate/internal/toolproxy"
)

// Deps bundles the components httpapi wires into routes.
type Deps struct {
	Store       *modelpool.Store
	LLMProxy    *llmproxy.Proxy
	ToolForward *toolproxy.Forward
	ToolMetrics *toolmetrics.Recorder
	ToolHealth  *health.Monitor
	APIPrefix   string
}

// New builds the gateway's request-routing http.Handler using Go's
// pattern-matching ServeMux (method + {wildcard} path segments).
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/modelbase/metrics/nodes", http.HandlerFunc(d.handleMetricsNodes))
	mux.Handle("/modelbase/metrics/global", http.HandlerFunc(d.handleMetricsGlobal))
	mux.Handle("/modelbase/metrics", http.HandlerFunc(d.handleMetricsGlobal))
	mux.Handle("/modelbase/{model}/{path...}", d.LLMProxy)

	mux.Handle("/tools/{service}/{path...}", d.ToolForward)
	mux.Handle("/toolsbase/metrics", http.HandlerFunc(d.handleToolMetrics))

	// Out of core scope: spec.md names this endpoint but explicitly defers
	// its implementation. Respond with a stable, well-formed 501 rather than
	// a bare 404 so callers can distinguish "not built yet" from "no such
	// route".
	mux.Handle("/kldgebase/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotImplemented, map[string]string{
			"error": "knowledge-base metrics are not part of this gateway",
		})
	}))

	mux.HandleFunc("/health", handleLiveness)
	if d.APIPrefix != "" {
		mux.HandleFunc("/"+d.APIPrefix+"/health", handleLiveness)
	}

	return mux
}

func handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetricsNodes answers GET /modelbase/metrics/nodes?model=<name>, the
// spec.md §4.5 per-node view for one model. Without a model parameter it
// returns the per-node views for every configured model, keyed by model
// name, matching original_source's get_service_metrics.
func (d Deps) handleMetricsNodes(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model != "" {
		views, err := d.Store.SnapshotPerNode(model)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "model not configured"})
			return
		}
		writeJSON(w, http.StatusOK, views)
		return
	}

	out := make(map[string][]modelpool.NodeView, len(d.Store.Models()))
	for _, m := range d.Store.Models() {
		views, err := d.Store.SnapshotPerNode(m)
		if err != nil {
			continue
		}
		out[m] = views
	}
	writeJSON(w, http.StatusOK, out)
}

// combinedView is the per-model {global, nodes} shape SPEC_FULL.md §6
// defines for GET /modelbase/metrics(/global), matching original_source's
// get_combined_metrics ({"global_metrics": ..., "node_metrics": ...}).
type combinedView struct {
	Global modelpool.GlobalView `json:"global"`
	Nodes  []modelpool.NodeView `json:"nodes"`
}

// handleMetricsGlobal answers GET /modelbase/metrics(/global)?model=<name>
// with the combined per-node + per-model-global view. Without a model
// parameter it returns the combined view for every configured model, keyed
// by model name.
func (d Deps) handleMetricsGlobal(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model != "" {
		cv, err := d.combinedView(model)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "model not configured"})
			return
		}
		writeJSON(w, http.StatusOK, cv)
		return
	}

	out := make(map[string]combinedView, len(d.Store.Models()))
	for _, m := range d.Store.Models() {
		cv, err := d.combinedView(m)
		if err != nil {
			continue
		}
		out[m] = cv
	}
	writeJSON(w, http.StatusOK, out)
}

func (d Deps) combinedView(model string) (combinedView, error) {
	gv, err := d.Store.SnapshotGlobal(model)
	if err != nil {
		return combinedView{}, err
	}
	nodes, err := d.Store.SnapshotPerNode(model)
	if err != nil {
		return combinedView{}, err
	}
	return combinedView{Global: gv, Nodes: nodes}, nil
}

// toolServiceMetrics is the per-service view combining toolmetrics'
// QPS/response-time sliding windows with health.Monitor's liveness state.
type toolServiceMetrics struct {
	Service             string  `json:"service"`
	Healthy             bool    `json:"healthy"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	QPS                 float64 `json:"qps"`
	AvgResponseTimeMs   float64 `json:"avg_response_time_ms"`
	LoadRate            float64 `json:"load_rate"`
}

// handleToolMetrics answers GET /toolsbase/metrics, a snapshot across the
// whole tool fleet.
func (d Deps) handleToolMetrics(w http.ResponseWriter, r *http.Request) {
	names := d.ToolMetrics.Services()
	healthSnap := map[string]health.Status{}
	if d.ToolHealth != nil {
		healthSnap = d.ToolHealth.Snapshot()
	}

	out := make([]toolServiceMetrics, 0, len(names))
	for _, name := range names {
		snap := d.ToolMetrics.ForService(name)
		st := healthSnap[name]
		out = append(out, toolServiceMetrics{
			Service:             name,
			Healthy:             st.Healthy,
			ConsecutiveFailures: st.ConsecutiveFailures,
			QPS:                 snap.QPS,
			AvgResponseTimeMs:   snap.AvgResponseTimeMs,
			LoadRate:            snap.LoadRate,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
