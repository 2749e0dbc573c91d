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
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
)

// ProcessState is the lifecycle stage of a registered process.
type ProcessState int32

const (
	// ProcessOpen accepts registrations and notifications.
	ProcessOpen ProcessState = iota
	// ProcessClosing is tearing down its entities. Deliveries to it fail.
	ProcessClosing
	// ProcessGone has been removed from the broker.
	ProcessGone
)

func (s ProcessState) String() string {
	switch s {
	case ProcessOpen:
		return "open"
	case ProcessClosing:
		return "closing"
	case ProcessGone:
		return "gone"
	}
	return fmt.Sprintf("ProcessState(%d)", int32(s))
}

// Identity describes the peer behind a session. PID zero means an in-process caller that is
// never reaped.
type Identity struct {
	PID  int32
	UID  uint32
	GID  uint32
	Name string
}

// queueHint sizes the initial notification queue.
const queueHint = 16

// Process is the registration record of one session. It owns the clients and servers created
// through it and the FIFO of notifications addressed to them.
type Process struct {
	b       *Broker
	seq     uint64
	session uuid.UUID
	ident   Identity
	state   atomic.Int32

	mu      sync.Mutex
	clients map[uint16]*Client
	servers map[uint16]*Server

	queue *queue.Queue
	qmu   sync.Mutex
	// queued NEW_CONNECTION and NEW_MESSAGE records per connection
	queued map[Handle]int
}

func newProcess(b *Broker, seq uint64, ident Identity) *Process {
	return &Process{
		b:       b,
		seq:     seq,
		session: uuid.New(),
		ident:   ident,
		clients: make(map[uint16]*Client),
		servers: make(map[uint16]*Server),
		queue:   queue.New(queueHint),
		queued:  make(map[Handle]int),
	}
}

// Seq is the broker-local sequence number of the process.
func (p *Process) Seq() uint64 {
	return p.seq
}

// Session is a random id used to correlate logs and audit events.
func (p *Process) Session() uuid.UUID {
	return p.session
}

func (p *Process) Identity() Identity {
	return p.ident
}

func (p *Process) State() ProcessState {
	return ProcessState(p.state.Load())
}

func (p *Process) isOpen() bool {
	return p.State() == ProcessOpen
}

func (p *Process) String() string {
	return fmt.Sprintf("process[%d pid=%d %s]", p.seq, p.ident.PID, p.session)
}

// Clients returns a snapshot of the live clients owned by p.
func (p *Process) Clients() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// Servers returns a snapshot of the live servers owned by p.
func (p *Process) Servers() []*Server {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s)
	}
	return out
}

// linkClient adds c to the owned set. It fails once p has started closing.
func (p *Process) linkClient(c *Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isOpen() {
		return false
	}
	p.clients[c.id] = c
	return true
}

func (p *Process) unlinkClient(c *Client) {
	p.mu.Lock()
	if p.clients[c.id] == c {
		delete(p.clients, c.id)
	}
	p.mu.Unlock()
}

func (p *Process) linkServer(s *Server) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isOpen() {
		return false
	}
	p.servers[s.id] = s
	return true
}

func (p *Process) unlinkServer(s *Server) {
	p.mu.Lock()
	if p.servers[s.id] == s {
		delete(p.servers, s.id)
	}
	p.mu.Unlock()
}

// detach marks p closing and hands back what it owns. Only the first caller gets ok.
func (p *Process) detach() (servers []*Server, clients []*Client, drained int, ok bool) {
	if !p.state.CompareAndSwap(int32(ProcessOpen), int32(ProcessClosing)) {
		return nil, nil, 0, false
	}
	// wakes blocked readers with ErrDisposed
	drained = len(p.queue.Dispose())
	p.mu.Lock()
	for _, s := range p.servers {
		servers = append(servers, s)
	}
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()
	return servers, clients, drained, true
}
