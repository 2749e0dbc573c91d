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

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/multierr"

	"github.com/srediag/shmbus/internal/idalloc"
	internalshm "github.com/srediag/shmbus/internal/shm"
	"github.com/srediag/shmbus/pkg/proto"
)

// MemMapType selects how region segments are backed.
type MemMapType = internalshm.MemMapType

const (
	MemMapTypeMemFd      = internalshm.MemMapTypeMemFd
	MemMapTypeDevShmFile = internalshm.MemMapTypeDevShmFile
	MemMapTypeHeap       = internalshm.MemMapTypeHeap
)

// ParseMemMapType parses "memfd", "devshm" or "heap".
func ParseMemMapType(s string) (MemMapType, error) {
	return internalshm.ParseMemMapType(s)
}

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("shm: pool closed")

// Options holds pool creation parameters.
type Options struct {
	// Name labels the backing segment (memfd name or /dev/shm file name).
	Name string
	// Regions is the fixed number of regions in the pool.
	Regions int
	// RegionSize is the size of one region. Zero means one page.
	RegionSize int
	// Type selects the segment backing.
	Type MemMapType
	// Meter receives pool instruments. Nil means no-op.
	Meter metric.Meter
}

// Region is one page-granular sub-memory region. Every lease gets a segment of its own, so
// the descriptor handed to a connection's processes reaches no other connection's memory.
type Region struct {
	slot int
	size int
	id   atomic.Uint32
	// guarded by Pool.mu; owner zero means free and seg nil
	owner uint64
	seg   *internalshm.MappedRegion
	data  []byte
}

// ID returns the region id of the current lease.
func (r *Region) ID() uint16 {
	return uint16(r.id.Load())
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	return r.size
}

// Bytes returns the broker-side view of the current lease. It is nil while the region is free.
func (r *Region) Bytes() []byte {
	return r.data
}

// Fd returns the descriptor of the current lease's segment, or -1 for heap pools and free regions.
// The descriptor stays owned by the pool.
func (r *Region) Fd() int {
	if r.seg == nil {
		return -1
	}
	return r.seg.Fd
}

// Stats describes pool occupancy.
type Stats struct {
	Total int
	InUse int
}

// Free returns the number of regions that can still be acquired.
func (s Stats) Free() int {
	return s.Total - s.InUse
}

// Pool owns the fixed set of regions.
type Pool struct {
	mu         sync.Mutex
	name       string
	typ        MemMapType
	slots      []*Region
	byID       map[uint16]*Region
	ids        *idalloc.Allocator
	regionSize int
	inUse      int
	closed     bool

	acquired metric.Int64Counter
	failed   metric.Int64Counter
	live     metric.Int64UpDownCounter
	attrs    metric.MeasurementOption
}

// New prepares the region slots. Segments are created on Acquire; New maps and drops one up
// front so an unsupported backing fails here rather than on the first connection.
func New(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Regions <= 0 || opts.Regions > proto.MaxID+1 {
		return nil, fmt.Errorf("shm: %d regions out of range [1, %d]: %w", opts.Regions, proto.MaxID+1, proto.ErrInvalidArgument)
	}
	page := internalshm.PageSize()
	if opts.RegionSize == 0 {
		opts.RegionSize = page
	}
	if opts.RegionSize < 0 || opts.RegionSize%page != 0 {
		return nil, fmt.Errorf("shm: region size %d is not a multiple of the page size %d: %w", opts.RegionSize, page, proto.ErrInvalidArgument)
	}
	if opts.Name == "" {
		opts.Name = "shmbus"
	}

	p := &Pool{
		name:       fmt.Sprintf("%s-%d", opts.Name, os.Getpid()),
		typ:        opts.Type,
		slots:      make([]*Region, opts.Regions),
		byID:       make(map[uint16]*Region, opts.Regions),
		ids:        idalloc.New(proto.MaxID),
		regionSize: opts.RegionSize,
		attrs:      metric.WithAttributes(attribute.String("pool", opts.Name)),
	}
	for i := range p.slots {
		p.slots[i] = &Region{slot: i, size: opts.RegionSize}
	}
	seg, err := p.mapSegment(ctx, opts.Regions)
	if err != nil {
		return nil, fmt.Errorf("shm: map %s segment: %w", opts.Type, err)
	}
	if err := internalshm.UnmapRegion(ctx, seg); err != nil {
		return nil, fmt.Errorf("shm: unmap %s segment: %w", opts.Type, err)
	}
	if err := p.instrument(opts.Meter); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) mapSegment(ctx context.Context, slot int) (*internalshm.MappedRegion, error) {
	return internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name: fmt.Sprintf("%s-%d", p.name, slot),
		Size: p.regionSize,
		Type: p.typ,
	})
}

func (p *Pool) instrument(m metric.Meter) error {
	if m == nil {
		m = noop.NewMeterProvider().Meter("github.com/srediag/shmbus/pkg/shm")
	}
	var err error
	if p.acquired, err = m.Int64Counter("shmbus.pool.acquired",
		metric.WithDescription("Regions handed out to connections.")); err != nil {
		return fmt.Errorf("shm: instrument: %w", err)
	}
	if p.failed, err = m.Int64Counter("shmbus.pool.exhausted",
		metric.WithDescription("Acquire calls that found no free region.")); err != nil {
		return fmt.Errorf("shm: instrument: %w", err)
	}
	if p.live, err = m.Int64UpDownCounter("shmbus.pool.in_use",
		metric.WithDescription("Regions currently owned by a connection.")); err != nil {
		return fmt.Errorf("shm: instrument: %w", err)
	}
	return nil
}

// Acquire claims a free region for owner, which must be non-zero. The region gets a fresh id
// and a fresh zeroed segment. Fails with proto.ErrOutOfMemory when every region is owned or no
// segment can be created.
func (p *Pool) Acquire(owner uint64) (*Region, error) {
	if owner == 0 {
		return nil, fmt.Errorf("shm: zero owner: %w", proto.ErrInvalidArgument)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	var r *Region
	for _, s := range p.slots {
		if s.owner == 0 {
			r = s
			break
		}
	}
	if r == nil {
		p.mu.Unlock()
		p.failed.Add(context.Background(), 1, p.attrs)
		return nil, proto.ErrOutOfMemory
	}
	seg, err := p.mapSegment(context.Background(), r.slot)
	if err != nil {
		p.mu.Unlock()
		p.failed.Add(context.Background(), 1, p.attrs)
		return nil, fmt.Errorf("%w: region slot %d: %v", proto.ErrOutOfMemory, r.slot, err)
	}
	id, err := p.ids.Allocate()
	if err != nil {
		_ = internalshm.UnmapRegion(context.Background(), seg)
		p.mu.Unlock()
		p.failed.Add(context.Background(), 1, p.attrs)
		return nil, fmt.Errorf("%w: %v", proto.ErrOutOfMemory, err)
	}
	r.owner = owner
	r.seg = seg
	r.data = seg.Addr
	r.id.Store(uint32(id))
	p.byID[id] = r
	p.inUse++
	p.mu.Unlock()

	p.acquired.Add(context.Background(), 1, p.attrs)
	p.live.Add(context.Background(), 1, p.attrs)
	return r, nil
}

// Release clears the region's owner back-reference and drops its segment, making the slot
// eligible for reuse. It fails with proto.ErrIntegrity, leaving the region untouched, when owner
// does not hold it. Mappings held by other processes keep the old segment alive until they unmap,
// but no later lease ever shares it.
func (p *Pool) Release(r *Region, owner uint64) error {
	if r == nil {
		return fmt.Errorf("shm: release nil region: %w", proto.ErrInvalidArgument)
	}
	p.mu.Lock()
	if r.owner == 0 || r.owner != owner {
		cur := r.owner
		p.mu.Unlock()
		return fmt.Errorf("shm: region slot %d owned by %d, not %d: %w", r.slot, cur, owner, proto.ErrIntegrity)
	}
	id := r.ID()
	seg := r.seg
	r.owner = 0
	r.seg = nil
	r.data = nil
	delete(p.byID, id)
	p.inUse--
	err := multierr.Append(p.ids.Release(id), internalshm.UnmapRegion(context.Background(), seg))
	p.mu.Unlock()

	p.live.Add(context.Background(), -1, p.attrs)
	return err
}

// Dup duplicates the descriptor of r's segment while owner holds it. The caller owns the
// returned fd. Fails with proto.ErrNotFound once owner released r.
func (p *Pool) Dup(r *Region, owner uint64) (int, error) {
	if r == nil {
		return -1, fmt.Errorf("shm: dup nil region: %w", proto.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner == 0 || r.owner != owner || r.seg == nil {
		return -1, fmt.Errorf("shm: region slot %d not held by %d: %w", r.slot, owner, proto.ErrNotFound)
	}
	if r.seg.Fd < 0 {
		return -1, fmt.Errorf("shm: %s region cannot be shared: %w", p.typ, proto.ErrInvalidArgument)
	}
	return internalshm.DupFd(r.seg.Fd)
}

// Owner returns the region's current owner, zero when free.
func (p *Pool) Owner(r *Region) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return r.owner
}

// Lookup returns the leased region with the given id.
func (p *Pool) Lookup(id uint16) (*Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byID[id]
	return r, ok
}

// Stats returns pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Total: len(p.slots), InUse: p.inUse}
}

// RegionSize returns the size of every region.
func (p *Pool) RegionSize() int {
	return p.regionSize
}

// Type returns the backing type of the segments.
func (p *Pool) Type() MemMapType {
	return p.typ
}

// Shareable reports whether regions can be mapped by other processes.
func (p *Pool) Shareable() bool {
	return p.typ != MemMapTypeHeap
}

// Close drops every leased segment. Regions must not be used afterwards.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var err error
	for _, r := range p.slots {
		if r.seg != nil {
			err = multierr.Append(err, internalshm.UnmapRegion(ctx, r.seg))
			r.seg = nil
			r.data = nil
		}
	}
	return err
}
