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

// Package ipc is the client library of shmbusd.
//
// A process dials the daemon once and uses the resulting Conn for every server and client it
// registers. Data moves through mapped regions: after Connect, the client maps its region with
// MapClient, writes a request and calls ClientEndWriting; the server learns of it through
// ReadNotification, maps the region with MapServer, reads, writes the response and calls
// ServerEndWriting.
//
//	conn, err := ipc.Dial(ctx, "/run/shmbus/shmbus.sock")
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//	id, err := conn.RegisterClient(ctx)
//	...
package ipc
