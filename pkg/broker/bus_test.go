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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmbus/pkg/proto"
)

type pair struct {
	b      *Broker
	ps, pc *Process
	srv    *Server
	c      *Client
	conn   *Connection
}

func newPair(t *testing.T) *pair {
	t.Helper()
	b, err := New(context.Background(), testConfig(4))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, b.Shutdown(context.Background())) })

	ps, err := b.Open(Identity{})
	require.NoError(t, err)
	pc, err := b.Open(Identity{})
	require.NoError(t, err)
	srv, err := b.CreateServer(ps, "bus")
	require.NoError(t, err)
	c, err := b.CreateClient(pc)
	require.NoError(t, err)
	conn, err := b.Connect(c, srv)
	require.NoError(t, err)
	n, err := ps.TryReceive()
	require.NoError(t, err)
	require.Equal(t, proto.NewConnection, n.Type)
	return &pair{b: b, ps: ps, pc: pc, srv: srv, c: c, conn: conn}
}

func TestReceiveWakesOnSend(t *testing.T) {
	p := newPair(t)
	got := make(chan proto.Notification, 1)
	go func() {
		n, err := p.ps.Receive(context.Background())
		assert.NoError(t, err)
		got <- n
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.b.ClientEndWriting(p.c))
	select {
	case n := <-got:
		assert.Equal(t, proto.NewMessage, n.Type)
		assert.Equal(t, p.c.ID(), n.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not woken")
	}
}

func TestReceiveReturnsClosedOnProcessClose(t *testing.T) {
	p := newPair(t)
	done := make(chan error, 1)
	go func() {
		_, err := p.ps.Receive(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.b.Close(p.ps))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, proto.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("reader not woken by close")
	}
}

func TestReceiveHonoursContext(t *testing.T) {
	p := newPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.ps.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveSkipsStale(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.b.ClientEndWriting(p.c))
	require.NoError(t, p.b.ClientEndWriting(p.c))
	require.NoError(t, p.b.Disconnect(p.c))
	// only the REMOTE_DISCONNECT is still readable
	assert.Equal(t, 1, p.ps.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := p.ps.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, proto.RemoteDisconnect, n.Type)
	assert.Equal(t, 0, p.ps.Pending())
}

func TestSendValidates(t *testing.T) {
	p := newPair(t)
	assert.ErrorIs(t, p.b.Send(proto.RoleClient, proto.NotificationType(0), p.conn), proto.ErrInvalidArgument)
	assert.ErrorIs(t, p.b.Send(proto.Role(0), proto.NewMessage, p.conn), proto.ErrInvalidArgument)
	assert.ErrorIs(t, p.b.Send(proto.RoleClient, proto.NewMessage, nil), proto.ErrInvalidArgument)
	assert.Equal(t, 0, p.ps.Pending())
}

func TestSendToClosedProcess(t *testing.T) {
	p := newPair(t)
	// a connection record kept past its server's process
	conn := &Connection{handle: p.conn.handle, client: p.c, server: p.srv, region: p.conn.region}
	require.NoError(t, p.b.Close(p.ps))
	assert.ErrorIs(t, p.b.Send(proto.RoleClient, proto.NewMessage, conn), proto.ErrDeliveryFailed)
}
