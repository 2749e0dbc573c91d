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

// Package broker arbitrates named servers, clients and the connections between them.
//
// A session registers as a Process with Open. Through it the session creates Clients and
// named Servers. Connect joins a client to a server through one region of the sub-memory pool
// and queues a NEW_CONNECTION notification for the server's process. ClientEndWriting and
// ServerEndWriting queue NEW_MESSAGE for the other side. When a connection is torn down,
// explicitly or because an owner went away, the surviving side receives REMOTE_DISCONNECT.
//
// Entities reference each other through generation-checked handles, so a reference that
// outlives its entity fails to resolve instead of reaching a reused id.
//
// Lock order: Connect holds the client lock while taking the pool, connection table and server
// locks in turn. Every other path holds one entity lock at a time, and teardown runs with none.
// A process's queue lock is only ever followed by connection table lookups.
package broker
