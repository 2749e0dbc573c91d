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

import "github.com/srediag/shmbus/pkg/proto"

// ConnectRequest asks to connect ClientID to the server registered as Name.
type ConnectRequest struct {
	ClientID uint16
	Name     string
}

func (m *ConnectRequest) Encode(e *Encoder) {
	e.U16(m.ClientID).String(m.Name)
}

func (m *ConnectRequest) Decode(d *Decoder) error {
	m.ClientID = d.U16()
	m.Name = d.String()
	return d.Err()
}

// ConnectResponse names the new connection's region and the server it reached.
type ConnectResponse struct {
	SubMemID uint16
	ServerID uint16
}

func (m *ConnectResponse) Encode(e *Encoder) {
	e.U16(m.SubMemID).U16(m.ServerID)
}

func (m *ConnectResponse) Decode(d *Decoder) error {
	m.SubMemID = d.U16()
	m.ServerID = d.U16()
	return d.Err()
}

// SubMemRequest addresses one connection of a server.
type SubMemRequest struct {
	ServerID uint16
	SubMemID uint16
}

func (m *SubMemRequest) Encode(e *Encoder) {
	e.U16(m.ServerID).U16(m.SubMemID)
}

func (m *SubMemRequest) Decode(d *Decoder) error {
	m.ServerID = d.U16()
	m.SubMemID = d.U16()
	return d.Err()
}

// MapRequest asks for the region behind a packed offset, see proto.PackIDs.
type MapRequest struct {
	Role   proto.Role
	Packed uint32
}

func (m *MapRequest) Encode(e *Encoder) {
	e.U8(uint8(m.Role)).U32(m.Packed)
}

func (m *MapRequest) Decode(d *Decoder) error {
	m.Role = proto.Role(d.U8())
	m.Packed = d.U32()
	return d.Err()
}

// MapResponse locates a region inside the segment whose fd rides along with the frame. The
// daemon sends a segment holding just that region, at offset zero.
type MapResponse struct {
	SubMemID    uint16
	Offset      uint64
	Length      uint32
	SegmentSize uint64
}

func (m *MapResponse) Encode(e *Encoder) {
	e.U16(m.SubMemID).U64(m.Offset).U32(m.Length).U64(m.SegmentSize)
}

func (m *MapResponse) Decode(d *Decoder) error {
	m.SubMemID = d.U16()
	m.Offset = d.U64()
	m.Length = d.U32()
	m.SegmentSize = d.U64()
	return d.Err()
}

// ReadNotificationRequest reads one notification, blocking when Block is set.
type ReadNotificationRequest struct {
	Block bool
}

func (m *ReadNotificationRequest) Encode(e *Encoder) {
	var b uint8
	if m.Block {
		b = 1
	}
	e.U8(b)
}

func (m *ReadNotificationRequest) Decode(d *Decoder) error {
	m.Block = d.U8() != 0
	return d.Err()
}

// EncodeNotification writes the fixed notification record.
func EncodeNotification(e *Encoder, n proto.Notification) {
	e.buf.B = n.AppendBinary(e.buf.B)
}

// DecodeNotification reads and validates a notification record.
func DecodeNotification(d *Decoder) (proto.Notification, error) {
	var n proto.Notification
	raw := d.Raw(proto.NotificationSize)
	if err := d.Err(); err != nil {
		return n, err
	}
	err := n.UnmarshalBinary(raw)
	return n, err
}
