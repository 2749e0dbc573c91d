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

//go:build unix

package ipc

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/shmbus/internal/shm"
	"github.com/srediag/shmbus/internal/wire"
	"github.com/srediag/shmbus/pkg/proto"
)

// Mapping is a connection's region mapped into this process.
type Mapping struct {
	SubMemID uint16

	once sync.Once
	data []byte
}

// Bytes returns the mapped region. It must not be used after Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Close unmaps the region.
func (m *Mapping) Close() error {
	var err error
	m.once.Do(func() {
		err = internalshm.Unmap(m.data)
		m.data = nil
	})
	return err
}

// MapClient maps the region of client clientID's connection.
func (c *Conn) MapClient(ctx context.Context, clientID uint16) (*Mapping, error) {
	return c.mapRegion(ctx, proto.RoleClient, proto.PackIDs(clientID, 0))
}

// MapServer maps the region of server serverID's connection subMemID.
func (c *Conn) MapServer(ctx context.Context, serverID, subMemID uint16) (*Mapping, error) {
	return c.mapRegion(ctx, proto.RoleServer, proto.PackIDs(serverID, subMemID))
}

func (c *Conn) mapRegion(ctx context.Context, role proto.Role, packed uint32) (*Mapping, error) {
	resp, err := c.callPayload(ctx, wire.OpMap, (&wire.MapRequest{Role: role, Packed: packed}).Encode)
	if err != nil {
		return nil, err
	}
	if resp.Fd < 0 {
		return nil, fmt.Errorf("ipc: MAP response without descriptor: %w", proto.ErrProtocol)
	}
	defer unix.Close(resp.Fd)

	var m wire.MapResponse
	if err := m.Decode(wire.NewDecoder(resp.Payload)); err != nil {
		return nil, err
	}
	if m.Offset+uint64(m.Length) > m.SegmentSize {
		return nil, fmt.Errorf("ipc: region [%d, +%d) outside segment of %d bytes: %w",
			m.Offset, m.Length, m.SegmentSize, proto.ErrProtocol)
	}
	data, err := internalshm.MapFd(resp.Fd, int64(m.Offset), int(m.Length))
	if err != nil {
		return nil, fmt.Errorf("ipc: map sub-memory %d: %w", m.SubMemID, err)
	}
	return &Mapping{SubMemID: m.SubMemID, data: data}, nil
}
