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

package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmbus/internal/wire"
	"github.com/srediag/shmbus/pkg/broker"
	"github.com/srediag/shmbus/pkg/proto"
)

// session serves one connected process. Verbs run on the server's worker pool; blocking
// notification reads are served in order by a goroutine of their own so they never hold a
// worker.
type session struct {
	id   string
	srv  *Server
	conn *wire.Conn
	proc *broker.Process

	ctx    context.Context
	cancel context.CancelFunc

	blocked chan *wire.Request
	tasks   sync.WaitGroup
}

func newSession(srv *Server, uc *net.UnixConn, proc *broker.Process) *session {
	ctx, cancel := context.WithCancel(context.Background())
	conn := wire.NewConn(uc)
	conn.SetWriteTimeout(srv.config.WriteTimeout)
	return &session{
		id:      proc.Session().String(),
		srv:     srv,
		conn:    conn,
		proc:    proc,
		ctx:     ctx,
		cancel:  cancel,
		blocked: make(chan *wire.Request, srv.config.BlockedReads),
	}
}

func (s *session) serve() {
	internalLogger.Debugf("session %s: %s", s.id, s.proc)
	defer s.finish()

	s.tasks.Add(1)
	go s.readLoop()

	for {
		req, err := s.conn.ReadRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				internalLogger.Warnf("session %s: %v", s.id, err)
			}
			return
		}
		if req.Op == wire.OpReadNotification && blocking(req) {
			select {
			case s.blocked <- req:
			default:
				s.reply(req, proto.StatusExhausted, -1, nil)
			}
			continue
		}
		s.tasks.Add(1)
		if err := s.srv.workers.Submit(func() {
			defer s.tasks.Done()
			s.handle(req)
		}); err != nil {
			s.tasks.Done()
			internalLogger.Warnf("session %s: submit %s: %v", s.id, req.Op, err)
			s.reply(req, proto.StatusInternal, -1, nil)
		}
	}
}

func blocking(req *wire.Request) bool {
	var m wire.ReadNotificationRequest
	return m.Decode(wire.NewDecoder(req.Payload)) == nil && m.Block
}

func (s *session) readLoop() {
	defer s.tasks.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.blocked:
			s.handle(req)
		}
	}
}

// finish closes the process record, which wakes a blocked read, then the socket.
func (s *session) finish() {
	s.cancel()
	if err := s.srv.broker.Close(s.proc); err != nil {
		internalLogger.Warnf("session %s: close %s: %v", s.id, s.proc, err)
	}
	s.tasks.Wait()
	_ = s.conn.Close()
	internalLogger.Debugf("session %s ended", s.id)
}

// stop makes serve return.
func (s *session) stop() {
	s.cancel()
	_ = s.conn.Close()
}

func (s *session) handle(req *wire.Request) {
	ctx, span := s.srv.tracer.Start(s.ctx, "shmbus."+req.Op.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("shmbus.session", s.id),
			attribute.Int64("shmbus.pid", int64(s.proc.Identity().PID)),
			attribute.Int64("shmbus.request_id", int64(req.ReqID)),
		))
	defer span.End()

	enc := wire.NewEncoder()
	defer enc.Release()
	fd, err := s.dispatch(ctx, req, enc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		internalLogger.Debugf("session %s: %s: %v", s.id, req.Op, err)
		s.reply(req, proto.StatusOf(err), -1, nil)
		return
	}
	s.reply(req, proto.StatusOK, fd, enc.Bytes())
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

func (s *session) reply(req *wire.Request, status int32, fd int, payload []byte) {
	var flags uint8
	if fd >= 0 {
		flags = wire.FlagFd
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	wire.AppendResponse(buf, req.Op, req.ReqID, status, flags, payload)
	if err := s.conn.WriteFrame(buf.B, fd); err != nil {
		internalLogger.Debugf("session %s: reply %s: %v", s.id, req.Op, err)
	}
}
