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

// Package shm contains the platform helpers that create, map and release the memory
// segment backing the sub-memory pool.
package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// MemMapType selects how a segment is backed.
type MemMapType uint8

const (
	// MemMapTypeMemFd backs the segment with an anonymous memfd (Linux 3.17+).
	MemMapTypeMemFd MemMapType = iota
	// MemMapTypeDevShmFile backs the segment with a file under /dev/shm.
	MemMapTypeDevShmFile
	// MemMapTypeHeap keeps the segment in process memory. It cannot be shared and has no fd.
	MemMapTypeHeap
)

func (t MemMapType) String() string {
	switch t {
	case MemMapTypeMemFd:
		return "memfd"
	case MemMapTypeDevShmFile:
		return "devshm"
	case MemMapTypeHeap:
		return "heap"
	}
	return fmt.Sprintf("MemMapType(%d)", uint8(t))
}

// ParseMemMapType accepts the names returned by MemMapType.String.
func ParseMemMapType(s string) (MemMapType, error) {
	switch s {
	case "memfd", "":
		return MemMapTypeMemFd, nil
	case "devshm":
		return MemMapTypeDevShmFile, nil
	case "heap":
		return MemMapTypeHeap, nil
	}
	return 0, fmt.Errorf("unknown mem map type %q", s)
}

// ErrUnsupported is returned for mapping types the platform cannot provide.
var ErrUnsupported = errors.New("shm: mapping type not supported on this platform")

// MappedRegion represents a mapped segment.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Path string
	Type MemMapType
}

// Size returns the mapped length.
func (r *MappedRegion) Size() int {
	return len(r.Addr)
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
	Type MemMapType
}

// MapRegion creates and maps a fresh segment.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Type == MemMapTypeHeap {
		return &MappedRegion{Addr: make([]byte, opts.Size), Fd: -1, Type: MemMapTypeHeap}, nil
	}
	return mapPlatform(opts)
}

// UnmapRegion unmaps the segment and releases its fd or file.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if region.Type == MemMapTypeHeap {
		region.Addr = nil
		return nil
	}
	err := unmapPlatform(region)
	region.Addr = nil
	region.Fd = -1
	return err
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}
