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
	"fmt"
	"sync"

	"github.com/srediag/shmbus/pkg/proto"
)

// Handle is a generation-checked reference to an arena entry. A handle taken before the entry
// was removed never resolves again, even after its id is reused.
type Handle struct {
	ID  uint16
	Gen uint32
}

// IsZero reports whether h refers to nothing. Generations start at 1.
func (h Handle) IsZero() bool {
	return h.Gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.ID, h.Gen)
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// arena is a mutex-guarded table of entities keyed by id.
type arena[T any] struct {
	mu    sync.RWMutex
	slots map[uint16]*slot[T]
	live  int
}

func newArena[T any]() *arena[T] {
	return &arena[T]{slots: make(map[uint16]*slot[T])}
}

// insert builds the entry for id with mk, which receives the new handle, and stores it.
// The id must not be live.
func (a *arena[T]) insert(id uint16, mk func(Handle) T) (T, Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[id]
	if !ok {
		s = &slot[T]{}
		a.slots[id] = s
	}
	if s.live {
		var zero T
		return zero, Handle{}, fmt.Errorf("arena: id %d still live: %w", id, proto.ErrIntegrity)
	}
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	h := Handle{ID: id, Gen: s.gen}
	s.live = true
	s.val = mk(h)
	a.live++
	return s.val, h, nil
}

func (a *arena[T]) get(h Handle) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.slots[h.ID]
	if !ok || !s.live || s.gen != h.Gen {
		var zero T
		return zero, false
	}
	return s.val, true
}

// lookup resolves a bare id to its live entry.
func (a *arena[T]) lookup(id uint16) (T, Handle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.slots[id]
	if !ok || !s.live {
		var zero T
		return zero, Handle{}, false
	}
	return s.val, Handle{ID: id, Gen: s.gen}, true
}

// remove drops the entry h refers to. Removing a stale handle is a no-op.
func (a *arena[T]) remove(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[h.ID]
	if !ok || !s.live || s.gen != h.Gen {
		return false
	}
	var zero T
	s.live = false
	s.val = zero
	a.live--
	return true
}

func (a *arena[T]) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

func (a *arena[T]) snapshot() []T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]T, 0, a.live)
	for _, s := range a.slots {
		if s.live {
			out = append(out, s.val)
		}
	}
	return out
}
