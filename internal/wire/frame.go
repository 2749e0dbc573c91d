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

// Package wire is the control-plane frame codec spoken between shmbusd and its clients.
//
// Every frame starts with an 8-byte little-endian header:
//
//	length u32 | magic u16 | version u8 | op u8
//
// where length counts the whole frame. A request body is req_id u32 followed by the op
// payload; a response body is req_id u32 | status i32 | flags u8 followed by the payload.
// FlagFd on a response means a file descriptor travels with the frame as SCM_RIGHTS data.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmbus/pkg/proto"
)

const (
	Magic   uint16 = 0x5342
	Version uint8  = 1

	HeaderSize       = 8
	requestBodySize  = 4
	responseBodySize = 9

	// MaxFrameSize bounds a frame on read.
	MaxFrameSize = 64 << 10
)

// FlagFd marks a response carrying a file descriptor.
const FlagFd uint8 = 1

// Op is a control verb.
type Op uint8

const (
	OpRegisterServer Op = iota + 1
	OpRegisterClient
	OpConnect
	OpDisconnect
	OpDeleteClient
	OpDeleteServer
	OpClientEndWriting
	OpServerEndWriting
	OpMap
	OpUnmap
	OpReadNotification
	OpPoll
	opEnd
)

var opNames = [...]string{
	OpRegisterServer:   "REGISTER_SERVER",
	OpRegisterClient:   "REGISTER_CLIENT",
	OpConnect:          "CONNECT",
	OpDisconnect:       "DISCONNECT",
	OpDeleteClient:     "DELETE_CLIENT",
	OpDeleteServer:     "DELETE_SERVER",
	OpClientEndWriting: "CLIENT_END_WRITING",
	OpServerEndWriting: "SERVER_END_WRITING",
	OpMap:              "MAP",
	OpUnmap:            "UNMAP",
	OpReadNotification: "READ_NOTIFICATION",
	OpPoll:             "POLL",
}

func (o Op) Valid() bool {
	return o >= OpRegisterServer && o < opEnd
}

func (o Op) String() string {
	if o.Valid() {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Header is the fixed frame prefix.
type Header struct {
	Length  uint32
	Magic   uint16
	Version uint8
	Op      Op
}

// Validate checks magic, version, op and length bounds.
func (h Header) Validate() error {
	switch {
	case h.Magic != Magic:
		return fmt.Errorf("wire: bad magic %#x: %w", h.Magic, proto.ErrProtocol)
	case h.Version != Version:
		return fmt.Errorf("wire: unsupported version %d: %w", h.Version, proto.ErrProtocol)
	case !h.Op.Valid():
		return fmt.Errorf("wire: unknown op %d: %w", uint8(h.Op), proto.ErrProtocol)
	case h.Length < HeaderSize+requestBodySize || h.Length > MaxFrameSize:
		return fmt.Errorf("wire: frame length %d out of range: %w", h.Length, proto.ErrProtocol)
	}
	return nil
}

func decodeHeader(b []byte) Header {
	return Header{
		Length:  binary.LittleEndian.Uint32(b[0:4]),
		Magic:   binary.LittleEndian.Uint16(b[4:6]),
		Version: b[6],
		Op:      Op(b[7]),
	}
}

// Request is a decoded request frame.
type Request struct {
	Op      Op
	ReqID   uint32
	Payload []byte
}

// Response is a decoded response frame. Fd is -1 unless Flags has FlagFd.
type Response struct {
	Op      Op
	ReqID   uint32
	Status  int32
	Flags   uint8
	Payload []byte
	Fd      int
}

// Err maps the status to its sentinel error, nil for success.
func (r *Response) Err() error {
	return proto.ErrorOf(r.Status)
}

func appendFrame(dst *bytebufferpool.ByteBuffer, op Op, body ...[]byte) {
	n := HeaderSize
	for _, b := range body {
		n += len(b)
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(n))
	binary.LittleEndian.PutUint16(hdr[4:6], Magic)
	hdr[6] = Version
	hdr[7] = byte(op)
	_, _ = dst.Write(hdr[:])
	for _, b := range body {
		_, _ = dst.Write(b)
	}
}

// AppendRequest encodes a request frame into dst.
func AppendRequest(dst *bytebufferpool.ByteBuffer, op Op, reqID uint32, payload []byte) {
	var fixed [requestBodySize]byte
	binary.LittleEndian.PutUint32(fixed[:], reqID)
	appendFrame(dst, op, fixed[:], payload)
}

// AppendResponse encodes a response frame into dst.
func AppendResponse(dst *bytebufferpool.ByteBuffer, op Op, reqID uint32, status int32, flags uint8, payload []byte) {
	var fixed [responseBodySize]byte
	binary.LittleEndian.PutUint32(fixed[0:4], reqID)
	binary.LittleEndian.PutUint32(fixed[4:8], uint32(status))
	fixed[8] = flags
	appendFrame(dst, op, fixed[:], payload)
}

// ReadRequest reads one request frame from r.
func ReadRequest(r io.Reader) (*Request, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h := decodeHeader(hdr[:])
	if err := h.Validate(); err != nil {
		return nil, err
	}
	body := make([]byte, h.Length-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return parseRequest(h, body), nil
}

func parseRequest(h Header, body []byte) *Request {
	return &Request{
		Op:      h.Op,
		ReqID:   binary.LittleEndian.Uint32(body[0:4]),
		Payload: body[requestBodySize:],
	}
}

// ParseResponse decodes one complete response frame.
func ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("wire: short frame: %w", proto.ErrProtocol)
	}
	h := decodeHeader(frame)
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if int(h.Length) != len(frame) || len(frame) < HeaderSize+responseBodySize {
		return nil, fmt.Errorf("wire: response length %d: %w", h.Length, proto.ErrProtocol)
	}
	body := frame[HeaderSize:]
	return &Response{
		Op:      h.Op,
		ReqID:   binary.LittleEndian.Uint32(body[0:4]),
		Status:  int32(binary.LittleEndian.Uint32(body[4:8])),
		Flags:   body[8],
		Payload: body[responseBodySize:],
		Fd:      -1,
	}, nil
}

// FrameLength returns the length of the frame starting at b, or 0 when b holds less than a header.
func FrameLength(b []byte) (int, error) {
	if len(b) < HeaderSize {
		return 0, nil
	}
	h := decodeHeader(b)
	if err := h.Validate(); err != nil {
		return 0, err
	}
	return int(h.Length), nil
}
