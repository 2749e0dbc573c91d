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

package ipc

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmbus/pkg/broker"
	"github.com/srediag/shmbus/pkg/daemon"
	"github.com/srediag/shmbus/pkg/proto"
	"github.com/srediag/shmbus/pkg/shm"
)

type IPCTestSuite struct {
	suite.Suite
	b      *broker.Broker
	d      *daemon.Server
	path   string
	served chan error
}

func (s *IPCTestSuite) SetupTest() {
	conf := broker.DefaultConfig()
	conf.PoolRegions = 4
	conf.PoolName = "ipc-test"
	conf.MemMapType = shm.MemMapTypeMemFd
	conf.ReapInterval = 0
	b, err := broker.New(context.Background(), conf)
	s.Require().NoError(err)
	s.b = b

	dir, err := os.MkdirTemp("", "shmbus")
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = os.RemoveAll(dir) })
	s.path = filepath.Join(dir, "bus.sock")

	dconf := daemon.DefaultConfig()
	dconf.SocketPath = s.path
	dconf.Workers = 4
	d, err := daemon.New(b, dconf)
	s.Require().NoError(err)
	s.d = d
	s.served = make(chan error, 1)
	go func() { s.served <- d.Serve(context.Background()) }()
}

func (s *IPCTestSuite) TearDownTest() {
	s.Require().NoError(s.d.Close())
	s.Require().NoError(<-s.served)
	s.Require().NoError(s.b.Shutdown(context.Background()))
}

func (s *IPCTestSuite) dial() *Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.path)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *IPCTestSuite) read(c *Conn) proto.Notification {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := c.ReadNotification(ctx)
	s.Require().NoError(err)
	return n
}

func (s *IPCTestSuite) TestRequestResponse() {
	ctx := context.Background()
	srvConn, cliConn := s.dial(), s.dial()

	serverID, err := srvConn.RegisterServer(ctx, "echo")
	s.Require().NoError(err)
	clientID, err := cliConn.RegisterClient(ctx)
	s.Require().NoError(err)

	res, err := cliConn.Connect(ctx, clientID, "echo")
	s.Require().NoError(err)
	s.Equal(serverID, res.ServerID)

	n := s.read(srvConn)
	s.Equal(proto.Notification{
		Type:       proto.NewConnection,
		Sender:     proto.RoleClient,
		SubMemID:   res.SubMemID,
		SenderID:   clientID,
		ReceiverID: serverID,
	}, n)

	cm, err := cliConn.MapClient(ctx, clientID)
	s.Require().NoError(err)
	defer cm.Close()
	sm, err := srvConn.MapServer(ctx, serverID, n.SubMemID)
	s.Require().NoError(err)
	defer sm.Close()
	s.Equal(cm.SubMemID, sm.SubMemID)

	copy(cm.Bytes(), "ping")
	s.Require().NoError(cliConn.ClientEndWriting(ctx, clientID))
	msg := s.read(srvConn)
	s.Equal(proto.NewMessage, msg.Type)
	s.Equal(proto.RoleClient, msg.Sender)
	s.Equal("ping", string(sm.Bytes()[:4]))

	copy(sm.Bytes(), "pong")
	s.Require().NoError(srvConn.ServerEndWriting(ctx, serverID, n.SubMemID))
	reply := s.read(cliConn)
	s.Equal(proto.NewMessage, reply.Type)
	s.Equal(proto.RoleServer, reply.Sender)
	s.Equal(serverID, reply.SenderID)
	s.Equal(clientID, reply.ReceiverID)
	s.Equal("pong", string(cm.Bytes()[:4]))

	s.Require().NoError(srvConn.UnmapServer(ctx, serverID, n.SubMemID))
	s.Require().NoError(cliConn.Disconnect(ctx, clientID))
	gone := s.read(srvConn)
	s.Equal(proto.RemoteDisconnect, gone.Type)
	s.Equal(n.SubMemID, gone.SubMemID)
}

func (s *IPCTestSuite) TestErrors() {
	ctx := context.Background()
	c := s.dial()

	_, err := c.RegisterServer(ctx, "dup")
	s.Require().NoError(err)
	_, err = c.RegisterServer(ctx, "dup")
	s.ErrorIs(err, proto.ErrAlreadyExists)

	clientID, err := c.RegisterClient(ctx)
	s.Require().NoError(err)
	_, err = c.Connect(ctx, clientID, "missing")
	s.ErrorIs(err, proto.ErrNotFound)
	s.ErrorIs(c.Disconnect(ctx, clientID), proto.ErrNotFound)

	_, err = c.TryReadNotification(ctx)
	s.ErrorIs(err, proto.ErrEmpty)

	_, err = c.MapClient(ctx, clientID)
	s.ErrorIs(err, proto.ErrNotFound)
}

func (s *IPCTestSuite) TestForeignIDs() {
	ctx := context.Background()
	owner, other := s.dial(), s.dial()

	clientID, err := owner.RegisterClient(ctx)
	s.Require().NoError(err)
	s.Error(other.DeleteClient(ctx, clientID))
	s.NoError(owner.DeleteClient(ctx, clientID))
}

func (s *IPCTestSuite) TestMappingsAreIsolated() {
	ctx := context.Background()
	victim, other := s.dial(), s.dial()

	connect := func(c *Conn, name string) uint16 {
		_, err := c.RegisterServer(ctx, name)
		s.Require().NoError(err)
		id, err := c.RegisterClient(ctx)
		s.Require().NoError(err)
		_, err = c.Connect(ctx, id, name)
		s.Require().NoError(err)
		return id
	}
	victimID := connect(victim, "victim")
	otherID := connect(other, "other")

	vm, err := victim.MapClient(ctx, victimID)
	s.Require().NoError(err)
	defer vm.Close()
	copy(vm.Bytes(), "SECRET")

	_, err = other.MapClient(ctx, victimID)
	s.ErrorIs(err, proto.ErrNotFound)

	om, err := other.MapClient(ctx, otherID)
	s.Require().NoError(err)
	defer om.Close()
	s.Len(om.Bytes(), s.b.Pool().RegionSize())
	s.False(bytes.Contains(om.Bytes(), []byte("SECRET")))

	copy(om.Bytes(), "theirs")
	s.Equal("SECRET", string(vm.Bytes()[:6]))
}

func (s *IPCTestSuite) TestSessionCloseNotifiesPeer() {
	ctx := context.Background()
	srvConn, cliConn := s.dial(), s.dial()

	serverID, err := srvConn.RegisterServer(ctx, "bye")
	s.Require().NoError(err)
	clientID, err := cliConn.RegisterClient(ctx)
	s.Require().NoError(err)
	res, err := cliConn.Connect(ctx, clientID, "bye")
	s.Require().NoError(err)
	s.Equal(proto.NewConnection, s.read(srvConn).Type)

	s.Require().NoError(cliConn.Close())
	n := s.read(srvConn)
	s.Equal(proto.RemoteDisconnect, n.Type)
	s.Equal(res.SubMemID, n.SubMemID)
	s.Equal(serverID, n.ReceiverID)

	s.Eventually(func() bool { return s.b.Stats().Clients == 0 }, 5*time.Second, 10*time.Millisecond)
}

func (s *IPCTestSuite) TestCancelledReadIsNotLost() {
	ctx := context.Background()
	srvConn, cliConn := s.dial(), s.dial()

	_, err := srvConn.RegisterServer(ctx, "late")
	s.Require().NoError(err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	_, err = srvConn.ReadNotification(short)
	cancel()
	s.ErrorIs(err, context.DeadlineExceeded)

	clientID, err := cliConn.RegisterClient(ctx)
	s.Require().NoError(err)
	_, err = cliConn.Connect(ctx, clientID, "late")
	s.Require().NoError(err)

	s.Eventually(func() bool {
		srvConn.mu.Lock()
		defer srvConn.mu.Unlock()
		return len(srvConn.stash) == 1
	}, 5*time.Second, 10*time.Millisecond)

	pending, err := srvConn.Pending(ctx)
	s.Require().NoError(err)
	s.Equal(1, pending)
	s.Equal(proto.NewConnection, s.read(srvConn).Type)
}

func (s *IPCTestSuite) TestDialRetriesUntilCancelled() {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, filepath.Join(filepath.Dir(s.path), "absent.sock"),
		WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)))
	s.Error(err)
}

func TestIPCTestSuite(t *testing.T) {
	suite.Run(t, new(IPCTestSuite))
}
