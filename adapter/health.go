// Package adapter provides default implementations of the api contracts.
package adapter

import (
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmbus/api"
)

// HealthOptions tunes HealthHandler.
type HealthOptions struct {
	// Registerer, when set, also exposes every check as a Prometheus gauge.
	Registerer prometheus.Registerer
	// Namespace prefixes the check gauges.
	Namespace string
	// Timeout bounds a single check. Zero means one second.
	Timeout time.Duration
}

// HealthHandler serves /live and /ready from the checks of h. The checks are registered as
// name-live and name-ready; /ready runs both.
func HealthHandler(name string, h api.Health, opts HealthOptions) healthcheck.Handler {
	var handler healthcheck.Handler
	if opts.Registerer != nil {
		handler = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		handler = healthcheck.NewHandler()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	handler.AddLivenessCheck(name+"-live", healthcheck.Timeout(h.LivenessCheck, timeout))
	handler.AddReadinessCheck(name+"-ready", healthcheck.Timeout(h.ReadinessCheck, timeout))
	return handler
}
