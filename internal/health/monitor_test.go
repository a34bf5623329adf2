package health_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/internal/config"
	"modelgate/internal/health"
)

func TestMonitor_HealthyOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	m := health.New([]config.ToolServiceCfg{{Name: "svc", HealthURL: srv.URL}}, 10*time.Millisecond, time.Second)
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return m.IsHealthy("svc") }, time.Second, 5*time.Millisecond)
}

func TestMonitor_UnhealthyAfterThreeConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := health.New([]config.ToolServiceCfg{{Name: "svc", HealthURL: srv.URL}}, 5*time.Millisecond, time.Second)
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return !m.IsHealthy("svc") }, time.Second, 5*time.Millisecond)

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap["svc"].ConsecutiveFailures, 3)
}

func TestMonitor_UnknownServiceIsUnhealthy(t *testing.T) {
	m := health.New(nil, time.Second, time.Second)
	assert.False(t, m.IsHealthy("ghost"))
}

func TestMonitor_ExplicitHealthyFalseField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer srv.Close()

	m := health.New([]config.ToolServiceCfg{{Name: "svc", HealthURL: srv.URL}}, 5*time.Millisecond, time.Second)
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return !m.IsHealthy("svc") }, time.Second, 5*time.Millisecond)
}

func TestMonitor_UpdateServicesPreservesExistingState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := health.New([]config.ToolServiceCfg{{Name: "svc", HealthURL: srv.URL}}, 5*time.Millisecond, time.Second)
	m.Start()
	defer m.Stop()
	require.Eventually(t, func() bool { return !m.IsHealthy("svc") }, time.Second, 5*time.Millisecond)

	m.UpdateServices([]config.ToolServiceCfg{
		{Name: "svc", HealthURL: srv.URL},
		{Name: "new", HealthURL: srv.URL},
	})

	assert.False(t, m.IsHealthy("svc"), "state for a surviving service name must be preserved across reload")
	assert.True(t, m.IsHealthy("new"), "a newly added service starts healthy until probed")
}
