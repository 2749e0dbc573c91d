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
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmbus/adapter"
	"github.com/srediag/shmbus/pkg/broker"
)

// Server accepts sessions on a Unix socket and serves the control verbs against a broker.
type Server struct {
	config *Config
	broker *broker.Broker
	tracer trace.Tracer

	ln      *net.UnixListener
	workers *ants.Pool

	sessions cmap.ConcurrentMap[string, *session]
	// mu orders session registration against Close so wg.Add never follows wg.Wait
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates the listening socket. Serve starts accepting.
func New(b *broker.Broker, config *Config) (*Server, error) {
	if b == nil {
		return nil, errors.New("daemon: nil broker")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	if !b.Pool().Shareable() {
		return nil, fmt.Errorf("daemon: %s pool cannot be shared with other processes", b.Pool().Type())
	}

	size := config.Workers
	if size == 0 {
		size = 4 * runtime.NumCPU()
	}
	workers, err := ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		internalLogger.Errorf("verb handler panic: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("daemon: worker pool: %w", err)
	}
	ln, err := listen(config.SocketPath, config.SocketMode)
	if err != nil {
		workers.Release()
		return nil, err
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = adapter.Tracer(nil)
	}
	return &Server{
		config:   config,
		broker:   b,
		tracer:   tracer,
		ln:       ln,
		workers:  workers,
		sessions: cmap.New[*session](),
	}, nil
}

func listen(path string, mode os.FileMode) (*net.UnixListener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("daemon: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("daemon: remove stale socket: %w", err)
		}
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("daemon: listen: %w", err)
	}
	ln.SetUnlinkOnClose(true)
	if err := os.Chmod(path, mode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("daemon: chmod socket: %w", err)
	}
	return ln, nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.config.SocketPath
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	return s.sessions.Count()
}

// Serve accepts sessions until ctx is done or Close is called. It returns nil after a clean stop.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	internalLogger.Infof("listening on %s", s.config.SocketPath)
	for {
		uc, err := s.ln.AcceptUnix()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("daemon: accept: %w", err)
		}
		s.accept(uc)
	}
}

func (s *Server) accept(uc *net.UnixConn) {
	peer, err := peerCred(uc)
	if err != nil {
		internalLogger.Warnf("peer credentials: %v", err)
		_ = uc.Close()
		return
	}
	if sec := s.config.Security; sec != nil {
		if err := sec.AdmitPeer(peer); err != nil {
			internalLogger.Warnf("refused peer: %v", err)
			_ = uc.Close()
			return
		}
	}
	proc, err := s.broker.Open(broker.Identity{PID: peer.PID, UID: peer.UID, GID: peer.GID})
	if err != nil {
		internalLogger.Warnf("open session for pid %d: %v", peer.PID, err)
		_ = uc.Close()
		return
	}
	sess := newSession(s, uc, proc)
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		if err := s.broker.Close(proc); err != nil {
			internalLogger.Warnf("close %s: %v", proc, err)
		}
		sess.stop()
		return
	}
	s.sessions.Set(sess.id, sess)
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		sess.serve()
		s.sessions.Remove(sess.id)
	}()
}

// Close stops accepting, ends every session and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	err := s.ln.Close()
	for _, sess := range s.sessions.Items() {
		sess.stop()
	}
	s.wg.Wait()
	s.workers.Release()
	internalLogger.Infof("stopped listening on %s", s.config.SocketPath)
	return err
}
