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
)

// Client is a registered client identity. It owns at most one connection.
type Client struct {
	id     uint16
	handle Handle
	proc   *Process

	mu     sync.Mutex
	closed bool
	conn   Handle
}

func (c *Client) ID() uint16 {
	return c.id
}

// Handle is the client's generation-checked handle.
func (c *Client) Handle() Handle {
	return c.handle
}

// Process returns the owning process.
func (c *Client) Process() *Process {
	return c.proc
}

// Connection returns the client's live connection.
func (c *Client) Connection() (*Connection, bool) {
	c.mu.Lock()
	h := c.conn
	c.mu.Unlock()
	if h.IsZero() {
		return nil, false
	}
	return c.proc.b.conns.get(h)
}

// Closed reports whether the client has been destroyed.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) String() string {
	return fmt.Sprintf("client[%d]", c.id)
}
