// Package registry models the service-registry sidecar the gateway talks to
// when deployed behind a discovery system, as a narrow interface rather than
// a concrete client. original_source/app/core/consul.py drives a real Consul
// agent for this, but registering the gateway itself into service discovery
// is out of this gateway's scope — it is a deployment concern, not something
// the request path or the balancing/metrics logic depends on. NoopRegistrar
// is the only implementation provided; it exists so cmd/gateway has a single
// seam to call into without special-casing "no registry configured".
package registry

import "log/slog"

// Registrar registers and deregisters this gateway instance with an external
// service registry, following consul.py's register_service call with
// (name, id, address, port, tags). No health-check URL is passed.
type Registrar interface {
	Register(name, id, address string, port int, tags []string) error
	Deregister(id string) error
}

// NoopRegistrar logs registration events instead of calling out to a real
// registry. It satisfies Registrar for deployments that don't run one.
type NoopRegistrar struct{}

func (NoopRegistrar) Register(name, id, address string, port int, tags []string) error {
	slog.Info("registry: register (noop)",
		"name", name, "id", id, "address", address, "port", port, "tags", tags)
	return nil
}

func (NoopRegistrar) Deregister(id string) error {
	slog.Info("registry: deregister (noop)", "id", id)
	return nil
}
