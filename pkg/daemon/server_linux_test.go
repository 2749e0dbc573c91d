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

package daemon

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmbus/adapter"
	internalshm "github.com/srediag/shmbus/internal/shm"
	"github.com/srediag/shmbus/internal/wire"
	"github.com/srediag/shmbus/pkg/broker"
	"github.com/srediag/shmbus/pkg/proto"
	"github.com/srediag/shmbus/pkg/shm"
)

type ServerTestSuite struct {
	suite.Suite
	b      *broker.Broker
	conf   *Config
	srv    *Server
	served chan error
}

func (s *ServerTestSuite) SetupTest() {
	bconf := broker.DefaultConfig()
	bconf.PoolRegions = 2
	bconf.PoolName = "daemon-test"
	bconf.MemMapType = shm.MemMapTypeMemFd
	bconf.ReapInterval = 0
	b, err := broker.New(context.Background(), bconf)
	s.Require().NoError(err)
	s.b = b

	dir, err := os.MkdirTemp("", "shmbusd")
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = os.RemoveAll(dir) })
	s.conf = DefaultConfig()
	s.conf.SocketPath = filepath.Join(dir, "d.sock")
	s.conf.Workers = 2
	s.conf.BlockedReads = 1
}

func (s *ServerTestSuite) start() {
	srv, err := New(s.b, s.conf)
	s.Require().NoError(err)
	s.srv = srv
	s.served = make(chan error, 1)
	go func() { s.served <- srv.Serve(context.Background()) }()
}

func (s *ServerTestSuite) TearDownTest() {
	if s.srv != nil {
		s.Require().NoError(s.srv.Close())
		s.Require().NoError(<-s.served)
		s.srv = nil
	}
	s.Require().NoError(s.b.Shutdown(context.Background()))
}

func (s *ServerTestSuite) dial() *wire.Conn {
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: s.conf.SocketPath, Net: "unix"})
	s.Require().NoError(err)
	c := wire.NewConn(uc)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *ServerTestSuite) roundTrip(c *wire.Conn, op wire.Op, reqID uint32, payload []byte) *wire.Response {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	wire.AppendRequest(buf, op, reqID, payload)
	s.Require().NoError(c.WriteFrame(buf.B, -1))
	resp, err := c.ReadResponse()
	s.Require().NoError(err)
	s.Equal(reqID, resp.ReqID)
	s.Equal(op, resp.Op)
	return resp
}

func (s *ServerTestSuite) TestRejectsHeapPool() {
	conf := broker.DefaultConfig()
	conf.PoolRegions = 1
	conf.MemMapType = shm.MemMapTypeHeap
	conf.ReapInterval = 0
	b, err := broker.New(context.Background(), conf)
	s.Require().NoError(err)
	defer b.Shutdown(context.Background())

	_, err = New(b, s.conf)
	s.Error(err)
}

func (s *ServerTestSuite) TestRegisterOverSocket() {
	s.start()
	c := s.dial()

	resp := s.roundTrip(c, wire.OpRegisterClient, 7, nil)
	s.Require().NoError(resp.Err())
	d := wire.NewDecoder(resp.Payload)
	id := d.U16()
	s.Require().NoError(d.Err())

	procs := s.b.ProcessesByPID(int32(os.Getpid()))
	s.Require().Len(procs, 1)
	_, err := s.b.OwnedClient(procs[0], id)
	s.NoError(err)

	resp = s.roundTrip(c, wire.OpPoll, 8, nil)
	s.Require().NoError(resp.Err())
	d = wire.NewDecoder(resp.Payload)
	s.Equal(uint32(0), d.U32())
}

func (s *ServerTestSuite) TestErrorStatus() {
	s.start()
	c := s.dial()

	enc := wire.NewEncoder()
	defer enc.Release()
	enc.U16(42)
	resp := s.roundTrip(c, wire.OpDeleteServer, 1, enc.Bytes())
	s.Equal(proto.StatusNotFound, resp.Status)
	s.ErrorIs(resp.Err(), proto.ErrNotFound)

	resp = s.roundTrip(c, wire.OpReadNotification, 2, []byte{0})
	s.ErrorIs(resp.Err(), proto.ErrEmpty)
}

// connectClient registers a server called name and a client on c, and connects the two.
func (s *ServerTestSuite) connectClient(c *wire.Conn, name string) uint16 {
	enc := wire.NewEncoder()
	defer enc.Release()
	enc.String(name)
	s.Require().NoError(s.roundTrip(c, wire.OpRegisterServer, 1, enc.Bytes()).Err())
	resp := s.roundTrip(c, wire.OpRegisterClient, 2, nil)
	s.Require().NoError(resp.Err())
	clientID := wire.NewDecoder(resp.Payload).U16()

	conn := wire.NewEncoder()
	defer conn.Release()
	(&wire.ConnectRequest{ClientID: clientID, Name: name}).Encode(conn)
	s.Require().NoError(s.roundTrip(c, wire.OpConnect, 3, conn.Bytes()).Err())
	return clientID
}

func (s *ServerTestSuite) mapClient(c *wire.Conn, clientID uint16) (*wire.Response, wire.MapResponse) {
	m := wire.NewEncoder()
	defer m.Release()
	(&wire.MapRequest{Role: proto.RoleClient, Packed: proto.PackIDs(clientID, 0)}).Encode(m)
	resp := s.roundTrip(c, wire.OpMap, 4, m.Bytes())
	var mr wire.MapResponse
	if resp.Err() == nil {
		s.Require().NoError(mr.Decode(wire.NewDecoder(resp.Payload)))
	}
	return resp, mr
}

func (s *ServerTestSuite) fdSize(fd int) int64 {
	var st unix.Stat_t
	s.Require().NoError(unix.Fstat(fd, &st))
	return st.Size
}

func (s *ServerTestSuite) TestMapPassesSegment() {
	s.start()
	c := s.dial()
	clientID := s.connectClient(c, "seg")

	resp, mr := s.mapClient(c, clientID)
	s.Require().NoError(resp.Err())
	s.Equal(wire.FlagFd, resp.Flags&wire.FlagFd)
	s.Require().GreaterOrEqual(resp.Fd, 0)
	defer unix.Close(resp.Fd)

	size := s.b.Pool().RegionSize()
	s.Equal(uint32(size), mr.Length)
	s.Equal(uint64(0), mr.Offset)
	s.Equal(uint64(size), mr.SegmentSize)
	s.Equal(int64(size), s.fdSize(resp.Fd))
}

func (s *ServerTestSuite) TestMapReachesOnlyOwnRegion() {
	s.start()
	victim := s.dial()
	victimID := s.connectClient(victim, "victim")
	resp, _ := s.mapClient(victim, victimID)
	s.Require().NoError(resp.Err())
	secret, err := internalshm.MapFd(resp.Fd, 0, s.b.Pool().RegionSize())
	s.Require().NoError(err)
	s.Require().NoError(unix.Close(resp.Fd))
	defer func() { s.NoError(internalshm.Unmap(secret)) }()
	copy(secret, "SECRET")

	other := s.dial()
	otherID := s.connectClient(other, "other")

	// the victim's client id belongs to another session
	resp, _ = s.mapClient(other, victimID)
	s.ErrorIs(resp.Err(), proto.ErrNotFound)
	s.Less(resp.Fd, 0)

	resp, mr := s.mapClient(other, otherID)
	s.Require().NoError(resp.Err())
	s.Require().GreaterOrEqual(resp.Fd, 0)
	defer unix.Close(resp.Fd)

	// nothing beyond the caller's own region is reachable through the descriptor
	size := s.fdSize(resp.Fd)
	s.Equal(int64(s.b.Pool().RegionSize()), size)
	s.Equal(uint64(size), mr.SegmentSize)
	view, err := internalshm.MapFd(resp.Fd, 0, int(size))
	s.Require().NoError(err)
	defer func() { s.NoError(internalshm.Unmap(view)) }()
	s.False(bytes.Contains(view, []byte("SECRET")))

	copy(view, "mine")
	s.Equal("SECRET", string(secret[:6]))
}

func (s *ServerTestSuite) TestSessionEndClosesProcess() {
	s.start()
	c := s.dial()
	s.Require().NoError(s.roundTrip(c, wire.OpRegisterClient, 1, nil).Err())
	s.Equal(1, s.b.Stats().Processes)

	s.Require().NoError(c.Close())
	s.Eventually(func() bool {
		st := s.b.Stats()
		return st.Processes == 0 && st.Clients == 0
	}, 5*time.Second, 10*time.Millisecond)
	s.Eventually(func() bool { return s.srv.Sessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func (s *ServerTestSuite) TestRefusedPeer() {
	s.conf.Security = adapter.NewUIDAllowlist(uint32(os.Getuid()) + 1)
	s.start()
	c := s.dial()

	_, err := c.ReadResponse()
	s.Error(err)
	s.Equal(0, s.b.Stats().Processes)
}

func (s *ServerTestSuite) TestTooManyBlockedReads() {
	s.start()
	c := s.dial()

	block := []byte{1}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for id := uint32(1); id <= 3; id++ {
		buf.Reset()
		wire.AppendRequest(buf, wire.OpReadNotification, id, block)
		s.Require().NoError(c.WriteFrame(buf.B, -1))
	}
	// at most one read is held by the read loop and one waits in the queue
	resp, err := c.ReadResponse()
	s.Require().NoError(err)
	s.Contains([]uint32{2, 3}, resp.ReqID)
	s.ErrorIs(resp.Err(), proto.ErrExhausted)
}

func (s *ServerTestSuite) TestCloseEndsServe() {
	s.start()
	s.dial()
	s.Eventually(func() bool { return s.srv.Sessions() == 1 }, 5*time.Second, 10*time.Millisecond)
	s.Require().NoError(s.srv.Close())
	s.Require().NoError(<-s.served)
	s.srv = nil
	s.Equal(0, s.b.Stats().Processes)
}

func (s *ServerTestSuite) TestCloseWhileAccepting() {
	s.start()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: s.conf.SocketPath, Net: "unix"})
				if err != nil {
					continue
				}
				_ = uc.Close()
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.srv.Close())
	s.Require().NoError(<-s.served)
	close(stop)
	wg.Wait()
	s.Equal(0, s.srv.Sessions())
	s.Equal(0, s.b.Stats().Processes)
	s.srv = nil
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}
