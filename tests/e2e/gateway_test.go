package e2e

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Health endpoint ──────────────────────────────────────────────────────────

func TestE2E_HealthEndpoint(t *testing.T) {
	backend := newLLMBackend(t, 10)
	cfg := gatewayConfig{
		addr:      freeAddr(t),
		instances: []instanceCfg{{name: "a", url: backend.URL}},
	}
	gw := startGateway(t, cfg.YAML())

	status, body := doGet(t, "http://"+gw.addr+"/healthz")
	assert.Equal(t, 200, status)
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"version"`)

	status, body = doGet(t, "http://"+gw.addr+"/api/v1/health")
	assert.Equal(t, 200, status)
	assert.Contains(t, body, `"status":"ok"`)
}

// ── LLM proxy ────────────────────────────────────────────────────────────────

func TestE2E_ModelProxy_ForwardsRequestAndRecordsTokens(t *testing.T) {
	backend := newLLMBackend(t, 42)
	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: backend.URL}},
	}
	gw := startGateway(t, cfg.YAML())

	status, body := doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat/completions")
	require.Equal(t, 200, status)
	assert.Contains(t, body, "usage")

	_, nodesBody := doGet(t, "http://"+gw.addr+"/modelbase/metrics/nodes?model=gpt")
	assert.Contains(t, nodesBody, `"TokenTotal":42`)
}

func TestE2E_ModelProxy_UnknownModel_Returns404(t *testing.T) {
	backend := newLLMBackend(t, 1)
	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: backend.URL}},
	}
	gw := startGateway(t, cfg.YAML())

	status, _ := doGet(t, "http://"+gw.addr+"/modelbase/ghost/v1/chat")
	assert.Equal(t, 404, status)
}

// ── SWRR load balancing ──────────────────────────────────────────────────────

func TestE2E_SWRR_DistributesAcrossInstances(t *testing.T) {
	b1 := newLLMBackend(t, 1)
	b2 := newLLMBackend(t, 1)

	cfg := gatewayConfig{
		addr:  freeAddr(t),
		model: "gpt",
		instances: []instanceCfg{
			{name: "a", url: b1.URL, weight: 20},
			{name: "b", url: b2.URL, weight: 20},
		},
	}
	gw := startGateway(t, cfg.YAML())

	_, nodesBefore := doGet(t, "http://"+gw.addr+"/modelbase/metrics/nodes?model=gpt")
	require.Contains(t, nodesBefore, `"Name":"a"`)
	require.Contains(t, nodesBefore, `"Name":"b"`)

	for i := 0; i < 10; i++ {
		status, _ := doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat")
		require.Equal(t, 200, status)
	}

	_, nodesAfter := doGet(t, "http://"+gw.addr+"/modelbase/metrics/nodes?model=gpt")
	assert.NotContains(t, nodesAfter, `"TokenTotal":0,"LastResponseTimeMs":0,`,
		"every instance must have accumulated token/latency data after 10 requests")
}

// ── Upstream failure → 502 ───────────────────────────────────────────────────

func TestE2E_DeadInstance_Returns502(t *testing.T) {
	dead := newLLMBackend(t, 1)
	deadURL := dead.URL
	dead.Close() // close before the gateway uses it

	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: deadURL}},
	}
	gw := startGateway(t, cfg.YAML())

	status, _ := doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat")
	assert.Equal(t, 502, status)
}

// ── Tool-service proxy ───────────────────────────────────────────────────────

func TestE2E_ToolProxy_ForwardsRequest(t *testing.T) {
	tool := newToolBackend(t, "search-result")
	llm := newLLMBackend(t, 1)

	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: llm.URL}},
		tools:     []toolCfg{{name: "search", healthURL: tool.URL + "/health"}},
	}
	gw := startGateway(t, cfg.YAML())

	status, body := doGet(t, "http://"+gw.addr+"/tools/search/v1/lookup")
	require.Equal(t, 200, status)
	assert.Equal(t, "search-result", body)

	status, body = doGet(t, "http://"+gw.addr+"/toolsbase/metrics")
	require.Equal(t, 200, status)
	assert.Contains(t, body, "search")
}

func TestE2E_ToolProxy_UnknownService_Returns404(t *testing.T) {
	llm := newLLMBackend(t, 1)
	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: llm.URL}},
	}
	gw := startGateway(t, cfg.YAML())

	status, _ := doGet(t, "http://"+gw.addr+"/tools/ghost/v1/lookup")
	assert.Equal(t, 404, status)
}

// ── Rate limiting (advisory) ─────────────────────────────────────────────────

func TestE2E_RateLimit_NeverBlocksOverBurst(t *testing.T) {
	backend := newLLMBackend(t, 1)
	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: backend.URL}},
		rateLimit: &rateLimitCfg{rps: 0.001, burst: 2},
	}
	gw := startGateway(t, cfg.YAML())

	for i := 0; i < 5; i++ {
		status, _ := doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat")
		require.Equal(t, 200, status, "request %d must pass — rate limiting is advisory only", i+1)
	}
}

// ── Static header authentication ────────────────────────────────────────────

func TestE2E_StaticAuth_Enforced(t *testing.T) {
	const secret = "e2e-static-secret"
	backend := newLLMBackend(t, 1)
	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: backend.URL}},
		auth:      &authCfg{secret: secret},
	}
	gw := startGateway(t, cfg.YAML())

	status, _ := doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat")
	assert.Equal(t, 401, status, "missing header must return 401")

	status, _ = doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat", "X-Gateway-Token", "wrong")
	assert.Equal(t, 401, status, "wrong header value must return 401")

	status, _ = doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat", "X-Gateway-Token", secret)
	assert.Equal(t, 200, status, "correct header value must pass")
}

func TestE2E_StaticAuth_ExcludedPaths_NoHeaderNeeded(t *testing.T) {
	const secret = "e2e-static-secret"
	backend := newLLMBackend(t, 1)
	cfg := gatewayConfig{
		addr:      freeAddr(t),
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: backend.URL}},
		auth: &authCfg{
			secret:  secret,
			exclude: []string{"/health"},
		},
	}
	gw := startGateway(t, cfg.YAML())

	status, _ := doGet(t, "http://"+gw.addr+"/health")
	assert.Equal(t, 200, status, "/health is excluded and must pass without a header")

	status, _ = doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat")
	assert.Equal(t, 401, status, "/modelbase is not excluded and must require the header")
}

// ── Hot-reload ───────────────────────────────────────────────────────────────

func TestE2E_HotReload_AddsInstance(t *testing.T) {
	b1 := newLLMBackend(t, 1)
	b2 := newLLMBackend(t, 1)

	addr := freeAddr(t)
	initial := gatewayConfig{
		addr:      addr,
		model:     "gpt",
		instances: []instanceCfg{{name: "a", url: b1.URL}},
	}
	gw := startGateway(t, initial.YAML())

	status, _ := doGet(t, "http://"+gw.addr+"/modelbase/gpt/v1/chat")
	require.Equal(t, 200, status)

	updated := gatewayConfig{
		addr:  addr,
		model: "gpt",
		instances: []instanceCfg{
			{name: "a", url: b1.URL},
			{name: "b", url: b2.URL},
		},
	}
	rewriteConfig(t, gw, updated.YAML())
	time.Sleep(500 * time.Millisecond) // allow fsnotify event to fire

	_, nodesBody := doGet(t, "http://"+gw.addr+"/modelbase/metrics/nodes?model=gpt")
	assert.True(t, strings.Contains(nodesBody, `"Name":"a"`) && strings.Contains(nodesBody, `"Name":"b"`),
		"both instances must be visible in the per-node snapshot after hot-reload")
}
