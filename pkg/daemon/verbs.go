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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmbus/internal/wire"
	"github.com/srediag/shmbus/pkg/proto"
)

// dispatch runs one verb, encoding its result into enc. A returned fd >= 0 is sent along with
// the response and closed afterwards.
func (s *session) dispatch(ctx context.Context, req *wire.Request, enc *wire.Encoder) (int, error) {
	b, p := s.srv.broker, s.proc
	d := wire.NewDecoder(req.Payload)
	span := trace.SpanFromContext(ctx)

	switch req.Op {
	case wire.OpRegisterServer:
		name := d.String()
		if err := d.Err(); err != nil {
			return -1, err
		}
		srv, err := b.CreateServer(p, name)
		if err != nil {
			return -1, err
		}
		span.SetAttributes(attribute.String("shmbus.server", name))
		enc.U16(srv.ID())

	case wire.OpRegisterClient:
		if err := d.Err(); err != nil {
			return -1, err
		}
		c, err := b.CreateClient(p)
		if err != nil {
			return -1, err
		}
		enc.U16(c.ID())

	case wire.OpConnect:
		var m wire.ConnectRequest
		if err := m.Decode(d); err != nil {
			return -1, err
		}
		c, err := b.OwnedClient(p, m.ClientID)
		if err != nil {
			return -1, err
		}
		conn, err := b.ConnectByName(c, m.Name)
		if err != nil {
			return -1, err
		}
		span.SetAttributes(attribute.String("shmbus.server", m.Name), attribute.Int("shmbus.sub_mem", int(conn.SubMemID())))
		(&wire.ConnectResponse{SubMemID: conn.SubMemID(), ServerID: conn.Server().ID()}).Encode(enc)

	case wire.OpDisconnect, wire.OpDeleteClient, wire.OpClientEndWriting:
		id := d.U16()
		if err := d.Err(); err != nil {
			return -1, err
		}
		c, err := b.OwnedClient(p, id)
		if err != nil {
			return -1, err
		}
		switch req.Op {
		case wire.OpDisconnect:
			return -1, b.Disconnect(c)
		case wire.OpDeleteClient:
			return -1, b.DestroyClient(c)
		default:
			return -1, b.ClientEndWriting(c)
		}

	case wire.OpDeleteServer:
		id := d.U16()
		if err := d.Err(); err != nil {
			return -1, err
		}
		srv, err := b.OwnedServer(p, id)
		if err != nil {
			return -1, err
		}
		return -1, b.DestroyServer(srv)

	case wire.OpServerEndWriting, wire.OpUnmap:
		var m wire.SubMemRequest
		if err := m.Decode(d); err != nil {
			return -1, err
		}
		srv, err := b.OwnedServer(p, m.ServerID)
		if err != nil {
			return -1, err
		}
		if req.Op == wire.OpUnmap {
			return -1, b.UnmapServer(srv, m.SubMemID)
		}
		return -1, b.ServerEndWriting(srv, m.SubMemID)

	case wire.OpMap:
		var m wire.MapRequest
		if err := m.Decode(d); err != nil {
			return -1, err
		}
		r, fd, err := b.ShareRegion(p, m.Role, m.Packed)
		if err != nil {
			return -1, err
		}
		// the descriptor reaches this one region, at offset zero
		(&wire.MapResponse{
			SubMemID:    r.ID(),
			Length:      uint32(r.Size()),
			SegmentSize: uint64(r.Size()),
		}).Encode(enc)
		return fd, nil

	case wire.OpReadNotification:
		var m wire.ReadNotificationRequest
		if err := m.Decode(d); err != nil {
			return -1, err
		}
		var (
			n   proto.Notification
			err error
		)
		if m.Block {
			n, err = p.Receive(ctx)
		} else {
			n, err = p.TryReceive()
		}
		if err != nil {
			return -1, err
		}
		span.SetAttributes(attribute.String("shmbus.notification", n.Type.String()))
		wire.EncodeNotification(enc, n)

	case wire.OpPoll:
		if err := d.Err(); err != nil {
			return -1, err
		}
		enc.U32(uint32(p.Pending()))

	default:
		return -1, fmt.Errorf("op %s: %w", req.Op, proto.ErrProtocol)
	}
	return -1, nil
}
