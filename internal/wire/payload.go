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

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmbus/pkg/proto"
)

// Encoder appends little-endian fields to a pooled buffer.
type Encoder struct {
	buf *bytebufferpool.ByteBuffer
}

// NewEncoder takes a buffer from the pool. Release must be called once the bytes are sent.
func NewEncoder() *Encoder {
	return &Encoder{buf: bytebufferpool.Get()}
}

func (e *Encoder) U8(v uint8) *Encoder {
	_ = e.buf.WriteByte(v)
	return e
}

func (e *Encoder) U16(v uint16) *Encoder {
	e.buf.B = binary.LittleEndian.AppendUint16(e.buf.B, v)
	return e
}

func (e *Encoder) U32(v uint32) *Encoder {
	e.buf.B = binary.LittleEndian.AppendUint32(e.buf.B, v)
	return e
}

func (e *Encoder) U64(v uint64) *Encoder {
	e.buf.B = binary.LittleEndian.AppendUint64(e.buf.B, v)
	return e
}

// String writes a u16 length prefix and the bytes of s.
func (e *Encoder) String(s string) *Encoder {
	e.U16(uint16(len(s)))
	_, _ = e.buf.WriteString(s)
	return e
}

func (e *Encoder) Bytes() []byte {
	return e.buf.B
}

// Release returns the buffer to the pool.
func (e *Encoder) Release() {
	if e.buf != nil {
		bytebufferpool.Put(e.buf)
		e.buf = nil
	}
}

// Decoder reads little-endian fields. The first short read sets a sticky error.
type Decoder struct {
	b   []byte
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b) < n {
		d.err = fmt.Errorf("wire: payload truncated: %w", proto.ErrProtocol)
		return nil
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *Decoder) U8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) U16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) U32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) U64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) String() string {
	n := int(d.U16())
	if b := d.take(n); b != nil {
		return string(b)
	}
	return ""
}

// Raw returns the next n bytes without copying.
func (d *Decoder) Raw(n int) []byte {
	return d.take(n)
}

// Err returns the sticky error, or ErrProtocol when bytes are left over.
func (d *Decoder) Err() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return fmt.Errorf("wire: %d trailing payload bytes: %w", len(d.b), proto.ErrProtocol)
	}
	return nil
}
