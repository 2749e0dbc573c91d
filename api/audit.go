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

// Package api defines the contracts the broker and daemon use to reach external systems.
package api

// Audit records entity lifecycle events (process sessions, registrations, connections, teardowns).
type Audit interface {
	LogEvent(event string, details map[string]interface{}) error
}

// AuditFunc adapts a function to Audit.
type AuditFunc func(event string, details map[string]interface{}) error

func (f AuditFunc) LogEvent(event string, details map[string]interface{}) error {
	return f(event, details)
}
