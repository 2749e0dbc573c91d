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
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced client, server, connection or sub-memory does not exist
	// or does not belong to the calling process.
	ErrNotFound = errors.New("shmbus: not found")

	// ErrAlreadyExists is returned when a server name is already registered.
	ErrAlreadyExists = errors.New("shmbus: already exists")

	// ErrAlreadyConnected is returned when a client that owns a connection tries to connect again.
	ErrAlreadyConnected = errors.New("shmbus: client already connected")

	// ErrExhausted means an id space or the sub-memory pool has no room left.
	ErrExhausted = errors.New("shmbus: exhausted")

	// ErrOutOfMemory is the pool flavour of ErrExhausted.
	ErrOutOfMemory = fmt.Errorf("%w: no free sub-memory region", ErrExhausted)

	// ErrInvalidArgument covers malformed names, out-of-range ids, bad notification type or role.
	ErrInvalidArgument = errors.New("shmbus: invalid argument")

	// ErrIntegrity reports an internal back-reference mismatch. It is logged, never fatal.
	ErrIntegrity = errors.New("shmbus: integrity warning")

	// ErrDeliveryFailed means the receiving process record is gone.
	ErrDeliveryFailed = errors.New("shmbus: notification delivery failed")

	// ErrEmpty is returned by non-blocking reads when nothing is pending.
	ErrEmpty = errors.New("shmbus: no notification pending")

	// ErrClosed means the process session or broker has been closed.
	ErrClosed = errors.New("shmbus: closed")

	// ErrPermission is returned when a peer is refused admission.
	ErrPermission = errors.New("shmbus: permission denied")

	// ErrProtocol reports a malformed control frame.
	ErrProtocol = errors.New("shmbus: protocol error")
)

// Status codes carried on the wire. Zero is success; every error is negative.
const (
	StatusOK               int32 = 0
	StatusPermission       int32 = -1
	StatusNotFound         int32 = -2
	StatusInternal         int32 = -5
	StatusEmpty            int32 = -11
	StatusOutOfMemory      int32 = -12
	StatusAlreadyExists    int32 = -17
	StatusInvalidArgument  int32 = -22
	StatusExhausted        int32 = -28
	StatusDeliveryFailed   int32 = -32
	StatusIntegrity        int32 = -74
	StatusProtocol         int32 = -71
	StatusAlreadyConnected int32 = -106
	StatusClosed           int32 = -108
)

// order matters: ErrOutOfMemory must be tested before ErrExhausted.
var statusTable = []struct {
	err  error
	code int32
}{
	{ErrPermission, StatusPermission},
	{ErrNotFound, StatusNotFound},
	{ErrEmpty, StatusEmpty},
	{ErrOutOfMemory, StatusOutOfMemory},
	{ErrAlreadyExists, StatusAlreadyExists},
	{ErrInvalidArgument, StatusInvalidArgument},
	{ErrExhausted, StatusExhausted},
	{ErrDeliveryFailed, StatusDeliveryFailed},
	{ErrIntegrity, StatusIntegrity},
	{ErrProtocol, StatusProtocol},
	{ErrAlreadyConnected, StatusAlreadyConnected},
	{ErrClosed, StatusClosed},
}

// StatusOf maps err onto its wire status. Unknown errors become StatusInternal.
func StatusOf(err error) int32 {
	if err == nil {
		return StatusOK
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return StatusInternal
}

// ErrorOf is the inverse of StatusOf.
func ErrorOf(code int32) error {
	if code == StatusOK {
		return nil
	}
	for _, e := range statusTable {
		if e.code == code {
			return e.err
		}
	}
	return fmt.Errorf("shmbus: internal error (status %d)", code)
}
