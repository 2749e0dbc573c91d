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
	"strings"
	"time"

	"github.com/srediag/shmbus/pkg/proto"
	"github.com/srediag/shmbus/pkg/shm"
)

// CreateClient registers a client owned by p.
func (b *Broker) CreateClient(p *Process) (*Client, error) {
	if err := b.checkProcess(p); err != nil {
		return nil, err
	}
	id, err := b.clientIDs.Allocate()
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	c, h, err := b.clients.insert(id, func(h Handle) *Client {
		return &Client{id: id, handle: h, proc: p}
	})
	if err != nil {
		b.releaseID(b.clientIDs, id, "client")
		return nil, fmt.Errorf("create client: %w", err)
	}
	if !p.linkClient(c) {
		b.clients.remove(h)
		b.releaseID(b.clientIDs, id, "client")
		return nil, fmt.Errorf("create client: %s: %w", p, proto.ErrClosed)
	}
	b.metrics.clients.Inc()
	b.audit("client.create", p, map[string]interface{}{"client": id})
	internalLogger.Debugf("%s registered %s", p, c)
	return c, nil
}

// ValidateServerName checks that name is non-empty, at most max bytes and free of NUL bytes.
func ValidateServerName(name string, max int) error {
	switch {
	case name == "":
		return fmt.Errorf("empty server name: %w", proto.ErrInvalidArgument)
	case len(name) > max:
		return fmt.Errorf("server name of %d bytes exceeds %d: %w", len(name), max, proto.ErrInvalidArgument)
	case strings.IndexByte(name, 0) >= 0:
		return fmt.Errorf("server name contains NUL: %w", proto.ErrInvalidArgument)
	}
	return nil
}

// CreateServer registers a server named name owned by p. The name is claimed with a single
// insert-if-absent, so of two concurrent registrations exactly one fails with
// proto.ErrAlreadyExists.
func (b *Broker) CreateServer(p *Process, name string) (*Server, error) {
	if err := b.checkProcess(p); err != nil {
		return nil, err
	}
	if err := ValidateServerName(name, b.config.MaxServerNameLen); err != nil {
		return nil, err
	}
	id, err := b.serverIDs.Allocate()
	if err != nil {
		return nil, fmt.Errorf("create server %q: %w", name, err)
	}
	s, h, err := b.servers.insert(id, func(h Handle) *Server {
		return &Server{id: id, name: name, handle: h, proc: p, conns: make(map[uint16]Handle)}
	})
	if err != nil {
		b.releaseID(b.serverIDs, id, "server")
		return nil, fmt.Errorf("create server %q: %w", name, err)
	}
	if !b.names.SetIfAbsent(name, s) {
		b.servers.remove(h)
		b.releaseID(b.serverIDs, id, "server")
		return nil, fmt.Errorf("server %q: %w", name, proto.ErrAlreadyExists)
	}
	b.metrics.servers.Inc()
	if !p.linkServer(s) {
		b.destroyServer(s)
		return nil, fmt.Errorf("create server %q: %s: %w", name, p, proto.ErrClosed)
	}
	b.audit("server.create", p, map[string]interface{}{"server": id, "name": name})
	internalLogger.Debugf("%s registered %s", p, s)
	return s, nil
}

// DestroyClient tears down the client's connection, if any, and unregisters it.
func (b *Broker) DestroyClient(c *Client) error {
	if c == nil {
		return fmt.Errorf("destroy client: %w", proto.ErrInvalidArgument)
	}
	if !b.destroyClient(c) {
		return fmt.Errorf("destroy %s: %w", c, proto.ErrNotFound)
	}
	return nil
}

// DestroyServer tears down every connection of the server and unregisters it.
func (b *Broker) DestroyServer(s *Server) error {
	if s == nil {
		return fmt.Errorf("destroy server: %w", proto.ErrInvalidArgument)
	}
	if !b.destroyServer(s) {
		return fmt.Errorf("destroy %s: %w", s, proto.ErrNotFound)
	}
	return nil
}

func (b *Broker) destroyClient(c *Client) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	h := c.conn
	c.mu.Unlock()

	if !h.IsZero() {
		if conn, ok := b.conns.get(h); ok {
			b.teardown(conn, proto.RoleClient)
		}
	}
	c.proc.unlinkClient(c)
	b.clients.remove(c.handle)
	b.releaseID(b.clientIDs, c.id, "client")
	b.metrics.clients.Dec()
	b.audit("client.destroy", c.proc, map[string]interface{}{"client": c.id})
	internalLogger.Debugf("%s destroyed %s", c.proc, c)
	return true
}

func (b *Broker) destroyServer(s *Server) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	conns := make([]Handle, 0, len(s.conns))
	for _, h := range s.conns {
		conns = append(conns, h)
	}
	s.mu.Unlock()

	// teardown removes each entry from s.conns itself
	for _, h := range conns {
		if conn, ok := b.conns.get(h); ok {
			b.teardown(conn, proto.RoleServer)
		}
	}
	b.names.RemoveCb(s.name, func(_ string, v *Server, exists bool) bool {
		return exists && v == s
	})
	s.proc.unlinkServer(s)
	b.servers.remove(s.handle)
	b.releaseID(b.serverIDs, s.id, "server")
	b.metrics.servers.Dec()
	b.audit("server.destroy", s.proc, map[string]interface{}{"server": s.id, "name": s.name, "connections": len(conns)})
	internalLogger.Debugf("%s destroyed %s with %d connections", s.proc, s, len(conns))
	return true
}

// Connect links c to s through a free sub-memory region and tells the server's process with a
// NEW_CONNECTION notification. A failed connect leaves no partial state behind.
func (b *Broker) Connect(c *Client, s *Server) (*Connection, error) {
	if c == nil || s == nil {
		return nil, fmt.Errorf("connect: %w", proto.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connect %s: %w", c, proto.ErrNotFound)
	}
	if !c.conn.IsZero() {
		return nil, fmt.Errorf("connect %s to %s: %w", c, s, proto.ErrAlreadyConnected)
	}

	serial := b.serial.Add(1)
	region, err := b.pool.Acquire(serial)
	if err != nil {
		return nil, fmt.Errorf("connect %s to %s: %w", c, s, err)
	}
	conn, h, err := b.conns.insert(region.ID(), func(h Handle) *Connection {
		return &Connection{
			handle:  h,
			client:  c,
			server:  s,
			region:  region,
			serial:  serial,
			created: time.Now(),
		}
	})
	if err != nil {
		b.releaseRegion(region, serial)
		return nil, fmt.Errorf("connect %s to %s: %w", c, s, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		b.conns.remove(h)
		b.releaseRegion(region, serial)
		return nil, fmt.Errorf("connect %s to %s: %w", c, s, proto.ErrNotFound)
	}
	s.conns[h.ID] = h
	s.mu.Unlock()
	c.conn = h

	b.metrics.connections.Inc()
	// still under c.mu, so a teardown's REMOTE_DISCONNECT cannot overtake it
	if err := b.Send(proto.RoleClient, proto.NewConnection, conn); err != nil {
		internalLogger.Debugf("%v", err)
	}
	b.audit("connection.create", c.proc, map[string]interface{}{
		"client": c.id, "server": s.id, "sub_mem": h.ID,
	})
	return conn, nil
}

// Evict tears down the connection on sub-memory subMemID on the broker's own behalf. Both sides
// are told with REMOTE_DISCONNECT.
func (b *Broker) Evict(subMemID uint16) error {
	conn, err := b.Connection(subMemID)
	if err != nil {
		return err
	}
	b.teardown(conn, 0)
	return nil
}

// ConnectByName connects c to the server registered under name.
func (b *Broker) ConnectByName(c *Client, name string) (*Connection, error) {
	s, err := b.ServerByName(name)
	if err != nil {
		return nil, err
	}
	return b.Connect(c, s)
}

// Disconnect tears down the client's connection. The server side is told with
// REMOTE_DISCONNECT.
func (b *Broker) Disconnect(c *Client) error {
	if c == nil {
		return fmt.Errorf("disconnect: %w", proto.ErrInvalidArgument)
	}
	c.mu.Lock()
	closed, h := c.closed, c.conn
	c.mu.Unlock()
	if closed || h.IsZero() {
		return fmt.Errorf("disconnect %s: not connected: %w", c, proto.ErrNotFound)
	}
	conn, ok := b.conns.get(h)
	if !ok {
		return fmt.Errorf("disconnect %s: %w", c, proto.ErrNotFound)
	}
	b.teardown(conn, proto.RoleClient)
	return nil
}

// DropConnection tears down the server's connection on sub-memory subMemID. The client side is
// told with REMOTE_DISCONNECT.
func (b *Broker) DropConnection(s *Server, subMemID uint16) error {
	if s == nil {
		return fmt.Errorf("drop connection: %w", proto.ErrInvalidArgument)
	}
	conn, err := s.connection(subMemID)
	if err != nil {
		return err
	}
	b.teardown(conn, proto.RoleServer)
	return nil
}

// teardown unlinks conn from both sides, frees its slot and finally its region. The side named
// by initiator is not notified; the other side gets REMOTE_DISCONNECT when its process is still
// open. A zero initiator notifies both sides. Only the first call does anything.
//
// At most one entity lock is held at a time and none while notifying.
func (b *Broker) teardown(conn *Connection, initiator proto.Role) {
	if !conn.torn.CompareAndSwap(false, true) {
		return
	}
	c, s := conn.client, conn.server

	c.mu.Lock()
	cur := c.conn
	if cur == conn.handle {
		c.conn = Handle{}
	}
	c.mu.Unlock()
	switch {
	case cur == conn.handle:
		if initiator != proto.RoleClient {
			b.notify(proto.RoleServer, proto.RemoteDisconnect, conn)
		}
	case !cur.IsZero():
		b.integrity("%s references %s, tearing down %s", c, cur, conn)
	}

	s.mu.Lock()
	cur, ok := s.conns[conn.handle.ID]
	if ok && cur == conn.handle {
		delete(s.conns, conn.handle.ID)
	}
	s.mu.Unlock()
	switch {
	case ok && cur == conn.handle:
		if initiator != proto.RoleServer {
			b.notify(proto.RoleClient, proto.RemoteDisconnect, conn)
		}
	case ok:
		b.integrity("%s maps sub-memory %d to %s, tearing down %s", s, conn.handle.ID, cur, conn)
	}

	b.conns.remove(conn.handle)
	b.releaseRegion(conn.region, conn.serial)
	b.metrics.connections.Dec()
	b.metrics.teardowns.Inc()
	b.audit("connection.teardown", c.proc, map[string]interface{}{
		"client": c.id, "server": s.id, "sub_mem": conn.handle.ID, "initiator": initiatorName(initiator),
	})
	internalLogger.Debugf("%s torn down by %s", conn, initiatorName(initiator))
}

func initiatorName(r proto.Role) string {
	if !r.Valid() {
		return "broker"
	}
	return r.String()
}

func (b *Broker) releaseRegion(r *shm.Region, serial uint64) {
	if err := b.pool.Release(r, serial); err != nil {
		b.integrity("release sub-memory %d: %v", r.ID(), err)
	}
}

func (b *Broker) releaseID(a interface{ Release(uint16) error }, id uint16, kind string) {
	if err := a.Release(id); err != nil {
		b.integrity("release %s id %d: %v", kind, id, err)
	}
}

func (b *Broker) checkProcess(p *Process) error {
	if p == nil || p.b != b {
		return fmt.Errorf("unknown process: %w", proto.ErrInvalidArgument)
	}
	if !p.isOpen() {
		return fmt.Errorf("%s: %w", p, proto.ErrClosed)
	}
	return nil
}
