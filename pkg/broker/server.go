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
	"sort"
	"sync"

	"github.com/srediag/shmbus/pkg/proto"
)

// Server is a named server identity. It owns one connection per connected client, keyed by
// sub-memory id.
type Server struct {
	id     uint16
	name   string
	handle Handle
	proc   *Process

	mu     sync.Mutex
	closed bool
	conns  map[uint16]Handle
}

func (s *Server) ID() uint16 {
	return s.id
}

func (s *Server) Name() string {
	return s.name
}

// Handle is the server's generation-checked handle.
func (s *Server) Handle() Handle {
	return s.handle
}

// Process returns the owning process.
func (s *Server) Process() *Process {
	return s.proc
}

// Connections returns the server's live connections ordered by sub-memory id.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	hs := make([]Handle, 0, len(s.conns))
	for _, h := range s.conns {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	sort.Slice(hs, func(i, j int) bool { return hs[i].ID < hs[j].ID })

	out := make([]*Connection, 0, len(hs))
	for _, h := range hs {
		if conn, ok := s.proc.b.conns.get(h); ok {
			out = append(out, conn)
		}
	}
	return out
}

// connection resolves the server's connection on sub-memory region subMemID.
func (s *Server) connection(subMemID uint16) (*Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: closed: %w", s, proto.ErrNotFound)
	}
	h, ok := s.conns[subMemID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: no connection on sub-memory %d: %w", s, subMemID, proto.ErrNotFound)
	}
	conn, ok := s.proc.b.conns.get(h)
	if !ok {
		return nil, fmt.Errorf("%s: connection %s gone: %w", s, h, proto.ErrNotFound)
	}
	return conn, nil
}

// Closed reports whether the server has been destroyed.
func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) String() string {
	return fmt.Sprintf("server[%d %q]", s.id, s.name)
}
