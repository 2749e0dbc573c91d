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

	"github.com/srediag/shmbus/pkg/proto"
	"github.com/srediag/shmbus/pkg/shm"
)

// ClientEndWriting tells the server side that the client finished writing the region, with a
// NEW_MESSAGE notification. The payload must be written before the call.
func (b *Broker) ClientEndWriting(c *Client) error {
	if c == nil {
		return fmt.Errorf("client end writing: %w", proto.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := b.clientConnection(c)
	if err != nil {
		return err
	}
	return b.Send(proto.RoleClient, proto.NewMessage, conn)
}

// ServerEndWriting tells the client on sub-memory subMemID that the server finished writing,
// with a NEW_MESSAGE notification.
func (b *Broker) ServerEndWriting(s *Server, subMemID uint16) error {
	if s == nil {
		return fmt.Errorf("server end writing: %w", proto.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%s: %w", s, proto.ErrNotFound)
	}
	h, ok := s.conns[subMemID]
	if !ok {
		return fmt.Errorf("%s: no connection on sub-memory %d: %w", s, subMemID, proto.ErrNotFound)
	}
	conn, ok := b.conns.get(h)
	if !ok {
		return fmt.Errorf("%s: connection %s gone: %w", s, h, proto.ErrNotFound)
	}
	return b.Send(proto.RoleServer, proto.NewMessage, conn)
}

// MapClient returns the region of the client's connection.
func (b *Broker) MapClient(c *Client) (*shm.Region, error) {
	conn, err := b.mapClient(c)
	if err != nil {
		return nil, err
	}
	return conn.region, nil
}

func (b *Broker) mapClient(c *Client) (*Connection, error) {
	if c == nil {
		return nil, fmt.Errorf("map client: %w", proto.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return b.clientConnection(c)
}

// MapServer returns the region of the server's connection on sub-memory subMemID and marks it
// mapped.
func (b *Broker) MapServer(s *Server, subMemID uint16) (*shm.Region, error) {
	conn, err := b.mapServer(s, subMemID)
	if err != nil {
		return nil, err
	}
	return conn.region, nil
}

func (b *Broker) mapServer(s *Server, subMemID uint16) (*Connection, error) {
	if s == nil {
		return nil, fmt.Errorf("map server: %w", proto.ErrInvalidArgument)
	}
	conn, err := s.connection(subMemID)
	if err != nil {
		return nil, err
	}
	conn.mapped.Store(true)
	return conn, nil
}

// UnmapServer clears the mapped flag of the server's connection on sub-memory subMemID.
func (b *Broker) UnmapServer(s *Server, subMemID uint16) error {
	if s == nil {
		return fmt.Errorf("unmap server: %w", proto.ErrInvalidArgument)
	}
	conn, err := s.connection(subMemID)
	if err != nil {
		return err
	}
	conn.mapped.Store(false)
	return nil
}

// MapOffset resolves a packed map offset issued by p: for RoleClient the primary id is a client
// id and the secondary id is ignored, for RoleServer they are a server id and a sub-memory id.
func (b *Broker) MapOffset(p *Process, role proto.Role, packed uint32) (*shm.Region, error) {
	conn, err := b.mapOffset(p, role, packed)
	if err != nil {
		return nil, err
	}
	return conn.region, nil
}

// ShareRegion resolves packed like MapOffset and duplicates the descriptor of the region's
// segment for handing to p. The caller owns fd. The segment holds that one region only.
func (b *Broker) ShareRegion(p *Process, role proto.Role, packed uint32) (r *shm.Region, fd int, err error) {
	conn, err := b.mapOffset(p, role, packed)
	if err != nil {
		return nil, -1, err
	}
	// fails once teardown released the region, even if the slot was leased again since
	fd, err = b.pool.Dup(conn.region, conn.serial)
	if err != nil {
		return nil, -1, fmt.Errorf("share %s: %w", conn, err)
	}
	return conn.region, fd, nil
}

func (b *Broker) mapOffset(p *Process, role proto.Role, packed uint32) (*Connection, error) {
	primary, secondary := proto.UnpackIDs(packed)
	switch role {
	case proto.RoleClient:
		c, err := b.OwnedClient(p, primary)
		if err != nil {
			return nil, err
		}
		return b.mapClient(c)
	case proto.RoleServer:
		s, err := b.OwnedServer(p, primary)
		if err != nil {
			return nil, err
		}
		return b.mapServer(s, secondary)
	}
	return nil, fmt.Errorf("map role %s: %w", role, proto.ErrInvalidArgument)
}

// clientConnection resolves the connection of c. c.mu must be held.
func (b *Broker) clientConnection(c *Client) (*Connection, error) {
	if c.closed {
		return nil, fmt.Errorf("%s: %w", c, proto.ErrNotFound)
	}
	if c.conn.IsZero() {
		return nil, fmt.Errorf("%s: not connected: %w", c, proto.ErrNotFound)
	}
	conn, ok := b.conns.get(c.conn)
	if !ok {
		return nil, fmt.Errorf("%s: connection %s gone: %w", c, c.conn, proto.ErrNotFound)
	}
	return conn, nil
}
