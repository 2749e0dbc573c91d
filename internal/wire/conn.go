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

package wire

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/srediag/shmbus/pkg/proto"
)

const (
	readChunk = 4096
	maxFds    = 4
)

// Conn frames a Unix stream socket in both directions. Writes may come from several
// goroutines; reads must come from one.
type Conn struct {
	uc *net.UnixConn

	wmu          sync.Mutex
	writeTimeout time.Duration

	buf []byte

	fmu sync.Mutex
	fds []int
}

func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// UnixConn returns the underlying socket.
func (c *Conn) UnixConn() *net.UnixConn {
	return c.uc
}

// SetWriteTimeout bounds every later WriteFrame. Zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// WriteFrame writes one encoded frame, passing fd along when it is not negative.
func (c *Conn) WriteFrame(frame []byte, fd int) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.uc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if fd < 0 {
		_, err := c.uc.Write(frame)
		return err
	}
	n, _, err := c.uc.WriteMsgUnix(frame, unix.UnixRights(fd), nil)
	if err != nil {
		return err
	}
	if n < len(frame) {
		_, err = c.uc.Write(frame[n:])
	}
	return err
}

// ReadRequest reads the next request frame.
func (c *Conn) ReadRequest() (*Request, error) {
	frame, err := c.next()
	if err != nil {
		return nil, err
	}
	return parseRequest(decodeHeader(frame), frame[HeaderSize:]), nil
}

// ReadResponse reads the next response frame. When the frame is flagged with FlagFd the oldest
// received descriptor is attached to it and becomes the caller's to close.
func (c *Conn) ReadResponse() (*Response, error) {
	frame, err := c.next()
	if err != nil {
		return nil, err
	}
	resp, err := ParseResponse(frame)
	if err != nil {
		return nil, err
	}
	if resp.Flags&FlagFd != 0 {
		c.fmu.Lock()
		if len(c.fds) == 0 {
			c.fmu.Unlock()
			return nil, fmt.Errorf("wire: %s response without descriptor: %w", resp.Op, proto.ErrProtocol)
		}
		resp.Fd = c.fds[0]
		c.fds = c.fds[1:]
		c.fmu.Unlock()
	}
	return resp, nil
}

// next returns a copy of the next complete frame.
func (c *Conn) next() ([]byte, error) {
	for {
		n, err := FrameLength(c.buf)
		if err != nil {
			return nil, err
		}
		if n > 0 && len(c.buf) >= n {
			frame := make([]byte, n)
			copy(frame, c.buf)
			c.buf = c.buf[n:]
			return frame, nil
		}
		if err := c.fill(); err != nil {
			if err == io.EOF && len(c.buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (c *Conn) fill() error {
	var (
		b   [readChunk]byte
		oob = make([]byte, unix.CmsgSpace(4*maxFds))
	)
	n, oobn, _, _, err := c.uc.ReadMsgUnix(b[:], oob)
	if oobn > 0 {
		if perr := c.collect(oob[:oobn]); perr != nil && err == nil {
			err = perr
		}
	}
	if n > 0 {
		c.buf = append(c.buf, b[:n]...)
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	return nil
}

func (c *Conn) collect(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("wire: control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		c.fmu.Lock()
		c.fds = append(c.fds, fds...)
		c.fmu.Unlock()
	}
	return nil
}

// Close closes the socket and any descriptor nobody claimed.
func (c *Conn) Close() error {
	err := c.uc.Close()
	c.fmu.Lock()
	for _, fd := range c.fds {
		_ = unix.Close(fd)
	}
	c.fds = nil
	c.fmu.Unlock()
	return err
}
