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

// Package idalloc issues and recycles small integer identifiers.
package idalloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Workiva/go-datastructures/bitarray"
	"github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmbus/pkg/proto"
)

// ErrNotAllocated is returned when releasing an id that is not in use.
var ErrNotAllocated = errors.New("idalloc: id not allocated")

type idItem uint16

func (i idItem) Compare(other queue.Item) int {
	o := other.(idItem)
	switch {
	case i == o:
		return 0
	case i > o:
		return 1
	}
	return -1
}

// Allocator hands out the lowest free id in [0, max].
//
// Ids below the high-water mark that were released sit in a min-heap, so both
// Allocate and Release are O(log n). Whether an id is live is kept in a bit array.
type Allocator struct {
	mu    sync.Mutex
	max   uint32
	next  uint32
	live  int
	freed *queue.PriorityQueue
	inUse bitarray.BitArray
}

// New returns an allocator for the range [0, max].
func New(max uint16) *Allocator {
	return &Allocator{
		max:   uint32(max),
		freed: queue.NewPriorityQueue(64, false),
		inUse: bitarray.NewBitArray(uint64(max) + 1),
	}
}

// Max returns the largest id the allocator can issue.
func (a *Allocator) Max() uint16 {
	return uint16(a.max)
}

// Allocate returns the smallest unused id, or proto.ErrExhausted.
func (a *Allocator) Allocate() (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id uint32
	if a.freed.Len() > 0 {
		items, err := a.freed.Get(1)
		if err != nil || len(items) == 0 {
			return 0, fmt.Errorf("idalloc: free list: %v", err)
		}
		id = uint32(items[0].(idItem))
	} else {
		if a.next > a.max {
			return 0, fmt.Errorf("idalloc: all %d ids in use: %w", a.max+1, proto.ErrExhausted)
		}
		id = a.next
		a.next++
	}
	if err := a.inUse.SetBit(uint64(id)); err != nil {
		return 0, fmt.Errorf("idalloc: mark %d: %w", id, err)
	}
	a.live++
	return uint16(id), nil
}

// Release returns id to the free set. Releasing an id that is not live fails with ErrNotAllocated.
// Callers must only release once nothing references the id any more.
func (a *Allocator) Release(id uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint32(id) > a.max {
		return fmt.Errorf("idalloc: release %d: %w", id, proto.ErrInvalidArgument)
	}
	set, err := a.inUse.GetBit(uint64(id))
	if err != nil {
		return fmt.Errorf("idalloc: release %d: %w", id, err)
	}
	if !set {
		return fmt.Errorf("idalloc: release %d: %w", id, ErrNotAllocated)
	}
	if err := a.inUse.ClearBit(uint64(id)); err != nil {
		return fmt.Errorf("idalloc: release %d: %w", id, err)
	}
	a.live--
	return a.freed.Put(idItem(id))
}

// InUse reports whether id is currently allocated.
func (a *Allocator) InUse(id uint16) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(id) > a.max {
		return false
	}
	set, err := a.inUse.GetBit(uint64(id))
	return err == nil && set
}

// Len returns the number of live ids.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
