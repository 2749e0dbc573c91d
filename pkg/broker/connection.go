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
	"sync/atomic"
	"time"

	"github.com/srediag/shmbus/pkg/shm"
)

// Connection links one client, one server and one sub-memory region. Its handle id is the
// region id. A connection is Active until torn down; teardown is terminal and idempotent.
type Connection struct {
	handle  Handle
	client  *Client
	server  *Server
	region  *shm.Region
	serial  uint64
	created time.Time

	mapped atomic.Bool
	torn   atomic.Bool
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	Handle   Handle
	SubMemID uint16
	ClientID uint16
	ServerID uint16
	Server   string
	Size     int
	Mapped   bool
	Torn     bool
	Created  time.Time
}

func (c *Connection) Handle() Handle {
	return c.handle
}

// SubMemID is the id of the connection's region.
func (c *Connection) SubMemID() uint16 {
	return c.handle.ID
}

func (c *Connection) Client() *Client {
	return c.client
}

func (c *Connection) Server() *Server {
	return c.server
}

func (c *Connection) Region() *shm.Region {
	return c.region
}

// Mapped reports whether the server side has mapped the region. The flag is advisory.
func (c *Connection) Mapped() bool {
	return c.mapped.Load()
}

// Torn reports whether teardown has started.
func (c *Connection) Torn() bool {
	return c.torn.Load()
}

func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		Handle:   c.handle,
		SubMemID: c.handle.ID,
		ClientID: c.client.id,
		ServerID: c.server.id,
		Server:   c.server.name,
		Size:     c.region.Size(),
		Mapped:   c.mapped.Load(),
		Torn:     c.torn.Load(),
		Created:  c.created,
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection[%s client=%d server=%d]", c.handle, c.client.id, c.server.id)
}
