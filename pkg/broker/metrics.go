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

package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	metricsNamespace = "shmbus"
	metricsSubsystem = "broker"
)

// Reasons a notification never reaches its reader.
const (
	dropStale         = "stale"
	dropUndeliverable = "undeliverable"
	dropClosed        = "closed"
)

type metrics struct {
	processes     prometheus.Gauge
	clients       prometheus.Gauge
	servers       prometheus.Gauge
	connections   prometheus.Gauge
	notifications *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	integrity     prometheus.Counter
	teardowns     prometheus.Counter
	reaped        prometheus.Counter
}

func newMetrics() *metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		})
	}
	return &metrics{
		processes:   gauge("processes", "Registered processes."),
		clients:     gauge("clients", "Live clients."),
		servers:     gauge("servers", "Live servers."),
		connections: gauge("connections", "Live connections."),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "notifications_total",
			Help:      "Notifications enqueued, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "notifications_dropped_total",
			Help:      "Notifications never read, by reason.",
		}, []string{"reason"}),
		integrity: counter("integrity_warnings_total", "Back-reference mismatches seen during teardown."),
		teardowns: counter("connection_teardowns_total", "Connections torn down."),
		reaped:    counter("reaped_processes_total", "Processes closed because their pid vanished."),
	}
}

// register adds every collector to reg. When an identical collector is already registered,
// for instance by a previous broker on the same registry, the existing one is adopted.
func (m *metrics) register(reg prometheus.Registerer) error {
	var err error
	m.processes = adopt(reg, m.processes, &err)
	m.clients = adopt(reg, m.clients, &err)
	m.servers = adopt(reg, m.servers, &err)
	m.connections = adopt(reg, m.connections, &err)
	m.notifications = adopt(reg, m.notifications, &err)
	m.dropped = adopt(reg, m.dropped, &err)
	m.integrity = adopt(reg, m.integrity, &err)
	m.teardowns = adopt(reg, m.teardowns, &err)
	m.reaped = adopt(reg, m.reaped, &err)
	return err
}

func adopt[T prometheus.Collector](reg prometheus.Registerer, c T, errp *error) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	*errp = multierr.Append(*errp, err)
	return c
}
