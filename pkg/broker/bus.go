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

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmbus/pkg/proto"
)

// pollInterval bounds how long a blocked Receive goes without checking its context.
const pollInterval = 50 * time.Millisecond

// envelope is a queued notification plus the connection it was raised for.
type envelope struct {
	n    proto.Notification
	conn Handle
}

// Send builds a notification of type typ raised by the sender side of conn and enqueues it on
// the process owning the other side, waking its blocked reader. It fails with
// proto.ErrInvalidArgument on a bad role or type and proto.ErrDeliveryFailed when the receiving
// process no longer accepts notifications.
func (b *Broker) Send(sender proto.Role, typ proto.NotificationType, conn *Connection) error {
	if conn == nil {
		return fmt.Errorf("send %s: nil connection: %w", typ, proto.ErrInvalidArgument)
	}
	n := proto.Notification{
		Type:     typ,
		Sender:   sender,
		SubMemID: conn.handle.ID,
	}
	if err := n.Validate(); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	var to *Process
	if sender == proto.RoleClient {
		n.SenderID, n.ReceiverID = conn.client.id, conn.server.id
		to = conn.server.proc
	} else {
		n.SenderID, n.ReceiverID = conn.server.id, conn.client.id
		to = conn.client.proc
	}
	if err := to.deliver(envelope{n: n, conn: conn.handle}); err != nil {
		return fmt.Errorf("send %s to %s: %w", n, to, err)
	}
	b.metrics.notifications.WithLabelValues(typ.String()).Inc()
	internalLogger.Tracef("%s -> %s", n, to)
	return nil
}

// notify is Send for the teardown path, where a failed delivery is expected and only logged.
func (b *Broker) notify(sender proto.Role, typ proto.NotificationType, conn *Connection) {
	if err := b.Send(sender, typ, conn); err != nil {
		b.metrics.dropped.WithLabelValues(dropUndeliverable).Inc()
		internalLogger.Debugf("%v", err)
	}
}

func (p *Process) deliver(e envelope) error {
	if !p.isOpen() {
		return proto.ErrDeliveryFailed
	}
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if err := p.queue.Put(e); err != nil {
		return fmt.Errorf("%w: %v", proto.ErrDeliveryFailed, err)
	}
	if e.n.Type != proto.RemoteDisconnect {
		p.queued[e.conn]++
	}
	return nil
}

// Receive pops the oldest notification, blocking until one is queued, ctx is done or the process
// is closed (proto.ErrClosed). NEW_CONNECTION and NEW_MESSAGE records whose connection has since
// been torn down are skipped; REMOTE_DISCONNECT is always returned.
func (p *Process) Receive(ctx context.Context) (proto.Notification, error) {
	for {
		if err := ctx.Err(); err != nil {
			return proto.Notification{}, err
		}
		items, err := p.queue.Poll(1, pollInterval)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			continue
		case errors.Is(err, queue.ErrDisposed):
			return proto.Notification{}, proto.ErrClosed
		case err != nil:
			return proto.Notification{}, err
		}
		if len(items) == 0 {
			continue
		}
		if n, ok := p.accept(items[0]); ok {
			return n, nil
		}
	}
}

// TryReceive is the non-blocking Receive. It returns proto.ErrEmpty when nothing is pending.
func (p *Process) TryReceive() (proto.Notification, error) {
	for {
		if p.queue.Disposed() {
			return proto.Notification{}, proto.ErrClosed
		}
		if p.queue.Empty() {
			return proto.Notification{}, proto.ErrEmpty
		}
		// another reader may have taken the item since Empty
		items, err := p.queue.Poll(1, time.Millisecond)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			return proto.Notification{}, proto.ErrEmpty
		case errors.Is(err, queue.ErrDisposed):
			return proto.Notification{}, proto.ErrClosed
		case err != nil:
			return proto.Notification{}, err
		}
		if len(items) == 0 {
			continue
		}
		if n, ok := p.accept(items[0]); ok {
			return n, nil
		}
	}
}

// Pending returns the number of queued notifications a read would return. Records raised for a
// connection that has since been torn down are not counted.
func (p *Process) Pending() int {
	if p.queue.Disposed() {
		return 0
	}
	p.qmu.Lock()
	defer p.qmu.Unlock()
	n := int(p.queue.Len())
	for h, count := range p.queued {
		if p.b.stale(h) {
			n -= count
		}
	}
	// a record popped but not yet accounted for by accept
	return max(n, 0)
}

func (b *Broker) stale(h Handle) bool {
	conn, ok := b.conns.get(h)
	return !ok || conn.torn.Load()
}

func (p *Process) accept(item interface{}) (proto.Notification, bool) {
	e, ok := item.(envelope)
	if !ok {
		internalLogger.Errorf("%s: unexpected queue item %T", p, item)
		return proto.Notification{}, false
	}
	if e.n.Type == proto.RemoteDisconnect {
		return e.n, true
	}
	p.qmu.Lock()
	if p.queued[e.conn]--; p.queued[e.conn] <= 0 {
		delete(p.queued, e.conn)
	}
	p.qmu.Unlock()
	if p.b.stale(e.conn) {
		p.b.metrics.dropped.WithLabelValues(dropStale).Inc()
		internalLogger.Debugf("%s: dropped stale %s", p, e.n)
		return proto.Notification{}, false
	}
	return e.n, true
}
