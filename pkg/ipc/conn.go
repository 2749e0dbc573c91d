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
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/internal/wire"
	"github.com/srediag/shmbus/pkg/proto"
)

var internalLogger = logger.New("ipc", os.Stdout)

// ConnectResult describes a new connection.
type ConnectResult struct {
	SubMemID uint16
	ServerID uint16
}

// Conn is a session with shmbusd. It is safe for concurrent use.
type Conn struct {
	wc    *wire.Conn
	reqID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan *wire.Response
	// notifications answered after their reader gave up
	stash []proto.Notification
	err   error

	done chan struct{}
}

// Dial connects to the daemon socket at path, retrying with the configured back-off while the
// socket is missing or refusing connections.
func Dial(ctx context.Context, path string, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	uc, err := backoff.RetryWithData(func() (*net.UnixConn, error) {
		d := net.Dialer{Timeout: o.dialTimeout}
		nc, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			internalLogger.Debugf("dial %s: %v", path, err)
			return nil, err
		}
		return nc.(*net.UnixConn), nil
	}, backoff.WithContext(o.backOff, ctx))
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return newConn(uc), nil
}

func newConn(uc *net.UnixConn) *Conn {
	c := &Conn{
		wc:      wire.NewConn(uc),
		pending: make(map[uint32]chan *wire.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		resp, err := c.wc.ReadResponse()
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		if ch, ok := c.pending[resp.ReqID]; ok {
			delete(c.pending, resp.ReqID)
			ch <- resp
		} else {
			c.orphan(resp)
		}
		c.mu.Unlock()
	}
}

// orphan handles a response nobody waits for. c.mu must be held.
func (c *Conn) orphan(resp *wire.Response) {
	if resp.Fd >= 0 {
		_ = unix.Close(resp.Fd)
	}
	if resp.Op != wire.OpReadNotification || resp.Status != proto.StatusOK {
		return
	}
	n, err := wire.DecodeNotification(wire.NewDecoder(resp.Payload))
	if err != nil {
		internalLogger.Warnf("late notification: %v", err)
		return
	}
	c.stash = append(c.stash, n)
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		if errors.Is(err, net.ErrClosed) {
			err = proto.ErrClosed
		}
		c.err = fmt.Errorf("ipc: connection lost: %w", err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call sends one request and waits for its response. A non-OK status becomes an error.
func (c *Conn) call(ctx context.Context, op wire.Op, payload []byte) (*wire.Response, error) {
	id := c.reqID.Add(1)
	ch := make(chan *wire.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	buf := bytebufferpool.Get()
	wire.AppendRequest(buf, op, id, payload)
	err := c.wc.WriteFrame(buf.B, -1)
	bytebufferpool.Put(buf)
	if err != nil {
		c.forget(id, ch)
		return nil, fmt.Errorf("ipc: %s: %w", op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		if err := resp.Err(); err != nil {
			return nil, fmt.Errorf("ipc: %s: %w", op, err)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id, ch)
		return nil, ctx.Err()
	}
}

// forget drops a pending request. A response already delivered to ch is handled as an orphan.
func (c *Conn) forget(id uint32, ch chan *wire.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	select {
	case resp, open := <-ch:
		if open && resp != nil {
			c.orphan(resp)
		}
	default:
	}
}

func (c *Conn) callPayload(ctx context.Context, op wire.Op, encode func(*wire.Encoder)) (*wire.Response, error) {
	enc := wire.NewEncoder()
	defer enc.Release()
	if encode != nil {
		encode(enc)
	}
	return c.call(ctx, op, enc.Bytes())
}

func decodeID(resp *wire.Response) (uint16, error) {
	d := wire.NewDecoder(resp.Payload)
	id := d.U16()
	return id, d.Err()
}

// RegisterServer registers a server under name and returns its id.
func (c *Conn) RegisterServer(ctx context.Context, name string) (uint16, error) {
	resp, err := c.callPayload(ctx, wire.OpRegisterServer, func(e *wire.Encoder) { e.String(name) })
	if err != nil {
		return 0, err
	}
	return decodeID(resp)
}

// RegisterClient registers a client and returns its id.
func (c *Conn) RegisterClient(ctx context.Context) (uint16, error) {
	resp, err := c.call(ctx, wire.OpRegisterClient, nil)
	if err != nil {
		return 0, err
	}
	return decodeID(resp)
}

// Connect connects client clientID to the server registered as name.
func (c *Conn) Connect(ctx context.Context, clientID uint16, name string) (ConnectResult, error) {
	resp, err := c.callPayload(ctx, wire.OpConnect, (&wire.ConnectRequest{ClientID: clientID, Name: name}).Encode)
	if err != nil {
		return ConnectResult{}, err
	}
	var m wire.ConnectResponse
	if err := m.Decode(wire.NewDecoder(resp.Payload)); err != nil {
		return ConnectResult{}, err
	}
	return ConnectResult{SubMemID: m.SubMemID, ServerID: m.ServerID}, nil
}

func (c *Conn) idVerb(ctx context.Context, op wire.Op, id uint16) error {
	_, err := c.callPayload(ctx, op, func(e *wire.Encoder) { e.U16(id) })
	return err
}

// Disconnect tears down the connection of client clientID.
func (c *Conn) Disconnect(ctx context.Context, clientID uint16) error {
	return c.idVerb(ctx, wire.OpDisconnect, clientID)
}

// DeleteClient unregisters client clientID.
func (c *Conn) DeleteClient(ctx context.Context, clientID uint16) error {
	return c.idVerb(ctx, wire.OpDeleteClient, clientID)
}

// DeleteServer unregisters server serverID and drops its connections.
func (c *Conn) DeleteServer(ctx context.Context, serverID uint16) error {
	return c.idVerb(ctx, wire.OpDeleteServer, serverID)
}

// ClientEndWriting signals the server that the client's request is in the region.
func (c *Conn) ClientEndWriting(ctx context.Context, clientID uint16) error {
	return c.idVerb(ctx, wire.OpClientEndWriting, clientID)
}

// ServerEndWriting signals the client on subMemID that the response is in the region.
func (c *Conn) ServerEndWriting(ctx context.Context, serverID, subMemID uint16) error {
	_, err := c.callPayload(ctx, wire.OpServerEndWriting,
		(&wire.SubMemRequest{ServerID: serverID, SubMemID: subMemID}).Encode)
	return err
}

// UnmapServer tells the daemon the server dropped its mapping of subMemID.
func (c *Conn) UnmapServer(ctx context.Context, serverID, subMemID uint16) error {
	_, err := c.callPayload(ctx, wire.OpUnmap,
		(&wire.SubMemRequest{ServerID: serverID, SubMemID: subMemID}).Encode)
	return err
}

// ReadNotification returns the next notification, blocking until one arrives or ctx is done.
// A notification answering a cancelled read is returned by the next read.
func (c *Conn) ReadNotification(ctx context.Context) (proto.Notification, error) {
	if n, ok := c.unstash(); ok {
		return n, nil
	}
	return c.readNotification(ctx, true)
}

// TryReadNotification returns proto.ErrEmpty when nothing is pending.
func (c *Conn) TryReadNotification(ctx context.Context) (proto.Notification, error) {
	if n, ok := c.unstash(); ok {
		return n, nil
	}
	return c.readNotification(ctx, false)
}

func (c *Conn) readNotification(ctx context.Context, block bool) (proto.Notification, error) {
	resp, err := c.callPayload(ctx, wire.OpReadNotification, (&wire.ReadNotificationRequest{Block: block}).Encode)
	if err != nil {
		return proto.Notification{}, err
	}
	return wire.DecodeNotification(wire.NewDecoder(resp.Payload))
}

func (c *Conn) unstash() (proto.Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stash) == 0 {
		return proto.Notification{}, false
	}
	n := c.stash[0]
	c.stash = c.stash[1:]
	return n, true
}

// Pending returns the number of notifications waiting for this session.
func (c *Conn) Pending(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, wire.OpPoll, nil)
	if err != nil {
		return 0, err
	}
	d := wire.NewDecoder(resp.Payload)
	n := int(d.U32())
	if err := d.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	n += len(c.stash)
	c.mu.Unlock()
	return n, nil
}

// Close ends the session. The daemon tears down every server and client it registered.
func (c *Conn) Close() error {
	err := c.wc.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
