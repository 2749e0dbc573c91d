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

//go:build linux

package daemon

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/srediag/shmbus/api"
)

// peerCred reads the credentials of the process that connected uc.
func peerCred(uc *net.UnixConn) (api.Peer, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return api.Peer{}, err
	}
	var (
		cred *unix.Ucred
		cerr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return api.Peer{}, err
	}
	if cerr != nil {
		return api.Peer{}, fmt.Errorf("SO_PEERCRED: %w", cerr)
	}
	return api.Peer{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
