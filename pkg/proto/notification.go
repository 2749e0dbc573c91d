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

package proto

import (
	"encoding/binary"
	"fmt"
)

// NotificationType is the event kind carried by a Notification.
type NotificationType uint8

const (
	NewConnection NotificationType = iota + 1
	NewMessage
	RemoteDisconnect
)

func (t NotificationType) String() string {
	switch t {
	case NewConnection:
		return "NEW_CONNECTION"
	case NewMessage:
		return "NEW_MESSAGE"
	case RemoteDisconnect:
		return "REMOTE_DISCONNECT"
	}
	return fmt.Sprintf("NotificationType(%d)", uint8(t))
}

// Valid reports whether t is one of the defined types.
func (t NotificationType) Valid() bool {
	return t >= NewConnection && t <= RemoteDisconnect
}

// Role is the side of a connection an entity plays.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "CLIENT"
	case RoleServer:
		return "SERVER"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Valid reports whether r is RoleClient or RoleServer.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleServer
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleClient {
		return RoleServer
	}
	return RoleClient
}

// NotificationSize is the encoded size of a Notification.
const NotificationSize = 8

// Notification is the fixed-size event record delivered to a receiving process.
//
// layout: type u8 | sender_role u8 | sub_mem_id u16 | sender_id u16 | receiver_id u16, little endian.
type Notification struct {
	Type       NotificationType
	Sender     Role
	SubMemID   uint16
	SenderID   uint16
	ReceiverID uint16
}

// Validate checks type and role.
func (n Notification) Validate() error {
	if !n.Type.Valid() {
		return fmt.Errorf("notification type %d: %w", n.Type, ErrInvalidArgument)
	}
	if !n.Sender.Valid() {
		return fmt.Errorf("notification sender role %d: %w", n.Sender, ErrInvalidArgument)
	}
	return nil
}

func (n Notification) String() string {
	return fmt.Sprintf("%s from %s %d to %d (sub-mem %d)", n.Type, n.Sender, n.SenderID, n.ReceiverID, n.SubMemID)
}

// AppendBinary appends the encoded record to b.
func (n Notification) AppendBinary(b []byte) []byte {
	b = append(b, byte(n.Type), byte(n.Sender))
	b = binary.LittleEndian.AppendUint16(b, n.SubMemID)
	b = binary.LittleEndian.AppendUint16(b, n.SenderID)
	b = binary.LittleEndian.AppendUint16(b, n.ReceiverID)
	return b
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (n Notification) MarshalBinary() ([]byte, error) {
	return n.AppendBinary(make([]byte, 0, NotificationSize)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (n *Notification) UnmarshalBinary(b []byte) error {
	if len(b) != NotificationSize {
		return fmt.Errorf("notification record of %d bytes: %w", len(b), ErrProtocol)
	}
	v := Notification{
		Type:       NotificationType(b[0]),
		Sender:     Role(b[1]),
		SubMemID:   binary.LittleEndian.Uint16(b[2:]),
		SenderID:   binary.LittleEndian.Uint16(b[4:]),
		ReceiverID: binary.LittleEndian.Uint16(b[6:]),
	}
	if err := v.Validate(); err != nil {
		return err
	}
	*n = v
	return nil
}
