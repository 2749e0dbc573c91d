// Package adapter provides default implementations of the api contracts.
package adapter

import (
	"fmt"

	"github.com/srediag/shmbus/api"
	"github.com/srediag/shmbus/pkg/proto"
)

// UIDAllowlist admits peers whose uid is listed. An empty list admits everyone.
type UIDAllowlist struct {
	uids map[uint32]struct{}
}

var _ api.Security = (*UIDAllowlist)(nil)

func NewUIDAllowlist(uids ...uint32) *UIDAllowlist {
	a := &UIDAllowlist{uids: make(map[uint32]struct{}, len(uids))}
	for _, uid := range uids {
		a.uids[uid] = struct{}{}
	}
	return a
}

// AdmitPeer returns proto.ErrPermission for a uid outside the list.
func (a *UIDAllowlist) AdmitPeer(peer api.Peer) error {
	if len(a.uids) == 0 {
		return nil
	}
	if _, ok := a.uids[peer.UID]; ok {
		return nil
	}
	return fmt.Errorf("uid %d (pid %d): %w", peer.UID, peer.PID, proto.ErrPermission)
}
