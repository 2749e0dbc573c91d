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
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/srediag/shmbus/internal/idalloc"
	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/proto"
	"github.com/srediag/shmbus/pkg/shm"
)

var internalLogger = logger.New("broker", os.Stdout)

// Broker is the arbiter of the client/server/connection graph. Every registry lives on the
// broker, so independent brokers can coexist in one process.
type Broker struct {
	config *Config

	pool      *shm.Pool
	clientIDs *idalloc.Allocator
	serverIDs *idalloc.Allocator

	clients *arena[*Client]
	servers *arena[*Server]
	conns   *arena[*Connection]
	names   cmap.ConcurrentMap[string, *Server]

	procMu  sync.Mutex
	procs   map[uint64]*Process
	procSeq atomic.Uint64

	// serial tags pool regions with the connection that owns them.
	serial atomic.Uint64

	metrics  *metrics
	gatherer prometheus.Gatherer

	// alive reports whether a pid still exists; replaced in tests.
	alive func(pid int32) (bool, error)

	closed     atomic.Bool
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New creates a broker and its sub-memory pool.
func New(ctx context.Context, config *Config) (*Broker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	b := &Broker{
		config:    config,
		clientIDs: idalloc.New(uint16(config.MaxClients - 1)),
		serverIDs: idalloc.New(uint16(config.MaxServers - 1)),
		clients:   newArena[*Client](),
		servers:   newArena[*Server](),
		conns:     newArena[*Connection](),
		names:     cmap.New[*Server](),
		procs:     make(map[uint64]*Process),
		metrics:   newMetrics(),
		alive:     pidExists,
	}

	reg := config.Registerer
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, b.gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		b.gatherer = g
	} else {
		b.gatherer = prometheus.DefaultGatherer
	}
	if err := b.metrics.register(reg); err != nil {
		return nil, fmt.Errorf("broker: register metrics: %w", err)
	}

	pool, err := shm.New(ctx, shm.Options{
		Name:       config.PoolName,
		Regions:    config.PoolRegions,
		RegionSize: config.PoolRegionSize,
		Type:       config.MemMapType,
		Meter:      config.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	b.pool = pool

	if config.ReapInterval > 0 {
		b.stopReaper = make(chan struct{})
		b.reaperDone = make(chan struct{})
		go b.reap(config.ReapInterval)
	}
	internalLogger.Infof("broker started, pool %s %d x %d bytes",
		pool.Type(), config.PoolRegions, pool.RegionSize())
	return b, nil
}

// Config returns the broker's configuration. It must not be modified.
func (b *Broker) Config() *Config {
	return b.config
}

// Pool returns the sub-memory pool.
func (b *Broker) Pool() *shm.Pool {
	return b.pool
}

// Gatherer exposes the registry holding the broker's collectors.
func (b *Broker) Gatherer() prometheus.Gatherer {
	return b.gatherer
}

// Open registers a new process session.
func (b *Broker) Open(ident Identity) (*Process, error) {
	if b.closed.Load() {
		return nil, proto.ErrClosed
	}
	p := newProcess(b, b.procSeq.Add(1), ident)
	b.procMu.Lock()
	if b.closed.Load() {
		b.procMu.Unlock()
		return nil, proto.ErrClosed
	}
	b.procs[p.seq] = p
	b.procMu.Unlock()

	b.metrics.processes.Inc()
	b.audit("process.open", p, map[string]interface{}{"uid": ident.UID, "name": ident.Name})
	internalLogger.Debugf("%s opened", p)
	return p, nil
}

// Close tears p down: every owned server with its connections, then every owned client, then
// the notification queue. Blocked readers of p return proto.ErrClosed. Closing a process twice
// is a no-op.
func (b *Broker) Close(p *Process) error {
	if p == nil {
		return fmt.Errorf("close: nil process: %w", proto.ErrInvalidArgument)
	}
	if p.b != b {
		return fmt.Errorf("close %s: foreign process: %w", p, proto.ErrInvalidArgument)
	}
	servers, clients, drained, ok := p.detach()
	if !ok {
		return nil
	}
	for _, s := range servers {
		b.destroyServer(s)
	}
	for _, c := range clients {
		b.destroyClient(c)
	}
	p.state.Store(int32(ProcessGone))

	b.procMu.Lock()
	delete(b.procs, p.seq)
	b.procMu.Unlock()

	if drained > 0 {
		b.metrics.dropped.WithLabelValues(dropClosed).Add(float64(drained))
	}
	b.metrics.processes.Dec()
	b.audit("process.close", p, map[string]interface{}{
		"servers": len(servers), "clients": len(clients), "drained": drained,
	})
	internalLogger.Debugf("%s closed: %d servers, %d clients, %d unread", p, len(servers), len(clients), drained)
	return nil
}

// Shutdown closes every process, stops the reaper and unmaps the pool.
func (b *Broker) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.stopReaper != nil {
		close(b.stopReaper)
		<-b.reaperDone
	}
	var err error
	for _, p := range b.Processes() {
		err = multierr.Append(err, b.Close(p))
	}
	err = multierr.Append(err, b.pool.Close(ctx))
	internalLogger.Infof("broker stopped")
	return err
}

// Processes returns a snapshot of the registered processes ordered by sequence number.
func (b *Broker) Processes() []*Process {
	b.procMu.Lock()
	out := make([]*Process, 0, len(b.procs))
	for _, p := range b.procs {
		out = append(out, p)
	}
	b.procMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ProcessesByPID returns the open sessions of the given pid.
func (b *Broker) ProcessesByPID(pid int32) []*Process {
	var out []*Process
	for _, p := range b.Processes() {
		if p.ident.PID == pid {
			out = append(out, p)
		}
	}
	return out
}

// Client returns the live client with the given id.
func (b *Broker) Client(id uint16) (*Client, error) {
	c, _, ok := b.clients.lookup(id)
	if !ok {
		return nil, fmt.Errorf("client %d: %w", id, proto.ErrNotFound)
	}
	return c, nil
}

// OwnedClient returns client id only if p owns it.
func (b *Broker) OwnedClient(p *Process, id uint16) (*Client, error) {
	c, err := b.Client(id)
	if err != nil {
		return nil, err
	}
	if c.proc != p {
		return nil, fmt.Errorf("client %d not owned by %s: %w", id, p, proto.ErrNotFound)
	}
	return c, nil
}

// Server returns the live server with the given id.
func (b *Broker) Server(id uint16) (*Server, error) {
	s, _, ok := b.servers.lookup(id)
	if !ok {
		return nil, fmt.Errorf("server %d: %w", id, proto.ErrNotFound)
	}
	return s, nil
}

// OwnedServer returns server id only if p owns it.
func (b *Broker) OwnedServer(p *Process, id uint16) (*Server, error) {
	s, err := b.Server(id)
	if err != nil {
		return nil, err
	}
	if s.proc != p {
		return nil, fmt.Errorf("server %d not owned by %s: %w", id, p, proto.ErrNotFound)
	}
	return s, nil
}

// ServerByName returns the live server registered under name.
func (b *Broker) ServerByName(name string) (*Server, error) {
	s, ok := b.names.Get(name)
	if !ok {
		return nil, fmt.Errorf("server %q: %w", name, proto.ErrNotFound)
	}
	return s, nil
}

// Connection returns the live connection on sub-memory region subMemID.
func (b *Broker) Connection(subMemID uint16) (*Connection, error) {
	conn, _, ok := b.conns.lookup(subMemID)
	if !ok {
		return nil, fmt.Errorf("connection on sub-memory %d: %w", subMemID, proto.ErrNotFound)
	}
	return conn, nil
}

// Connections returns a snapshot of every live connection ordered by sub-memory id.
func (b *Broker) Connections() []ConnectionInfo {
	conns := b.conns.snapshot()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubMemID < out[j].SubMemID })
	return out
}

// Stats counts the broker's live entities.
type Stats struct {
	Processes   int
	Clients     int
	Servers     int
	Connections int
	Pool        shm.Stats
}

func (b *Broker) Stats() Stats {
	b.procMu.Lock()
	procs := len(b.procs)
	b.procMu.Unlock()
	return Stats{
		Processes:   procs,
		Clients:     b.clients.len(),
		Servers:     b.servers.len(),
		Connections: b.conns.len(),
		Pool:        b.pool.Stats(),
	}
}

// LivenessCheck fails once the broker has been shut down.
func (b *Broker) LivenessCheck() error {
	if b.closed.Load() {
		return proto.ErrClosed
	}
	return nil
}

// ReadinessCheck also fails while no sub-memory region is free.
func (b *Broker) ReadinessCheck() error {
	if err := b.LivenessCheck(); err != nil {
		return err
	}
	if b.pool.Stats().Free() == 0 {
		return errors.New("broker: sub-memory pool exhausted")
	}
	return nil
}

func (b *Broker) audit(event string, p *Process, details map[string]interface{}) {
	if b.config.Audit == nil {
		return
	}
	if details == nil {
		details = make(map[string]interface{}, 3)
	}
	details["session"] = p.session.String()
	details["pid"] = p.ident.PID
	if err := b.config.Audit.LogEvent(event, details); err != nil {
		internalLogger.Debugf("audit %s: %v", event, err)
	}
}

func (b *Broker) integrity(format string, a ...interface{}) {
	b.metrics.integrity.Inc()
	internalLogger.Warnf("integrity: "+format, a...)
}
