/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmbus/adapter"
	"github.com/srediag/shmbus/pkg/broker"
)

// AdminHandler serves the broker's health checks on /live and /ready, its collectors on
// /metrics and a JSON snapshot of live connections on /connections.
// When reg is not nil the health checks are also exported as gauges through it.
func AdminHandler(b *broker.Broker, reg prometheus.Registerer) http.Handler {
	health := adapter.HealthHandler("broker", b, adapter.HealthOptions{
		Registerer: reg,
		Namespace:  "shmbus",
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(b.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(struct {
			Stats       broker.Stats
			Connections []broker.ConnectionInfo
		}{b.Stats(), b.Connections()}); err != nil {
			internalLogger.Debugf("encode /connections: %v", err)
		}
	})
	return mux
}
