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
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	internalshm "github.com/srediag/shmbus/internal/shm"
	"github.com/srediag/shmbus/pkg/proto"
)

type PoolTestSuite struct {
	suite.Suite
	pool *Pool
}

func (s *PoolTestSuite) SetupTest() {
	p, err := New(context.Background(), Options{Name: "pool-test", Regions: 4, Type: internalshm.MemMapTypeHeap})
	s.Require().NoError(err)
	s.pool = p
}

func (s *PoolTestSuite) TearDownTest() {
	s.Require().NoError(s.pool.Close(context.Background()))
}

func (s *PoolTestSuite) TestAcquireRelease() {
	r, err := s.pool.Acquire(7)
	s.Require().NoError(err)
	s.Equal(uint64(7), s.pool.Owner(r))
	s.Equal(internalshm.PageSize(), r.Size())
	s.Equal(Stats{Total: 4, InUse: 1}, s.pool.Stats())

	got, ok := s.pool.Lookup(r.ID())
	s.True(ok)
	s.Same(r, got)

	s.Require().NoError(s.pool.Release(r, 7))
	s.Equal(uint64(0), s.pool.Owner(r))
	s.Equal(4, s.pool.Stats().Free())
	_, ok = s.pool.Lookup(r.ID())
	s.False(ok)
}

func (s *PoolTestSuite) TestExhaustion() {
	var held []*Region
	for i := 1; i <= 4; i++ {
		r, err := s.pool.Acquire(uint64(i))
		s.Require().NoError(err)
		held = append(held, r)
	}
	_, err := s.pool.Acquire(99)
	s.ErrorIs(err, proto.ErrOutOfMemory)
	s.ErrorIs(err, proto.ErrExhausted)

	s.Require().NoError(s.pool.Release(held[2], 3))
	r, err := s.pool.Acquire(100)
	s.Require().NoError(err)
	s.Same(held[2], r)
}

func (s *PoolTestSuite) TestReleaseOwnerMismatch() {
	r, err := s.pool.Acquire(1)
	s.Require().NoError(err)
	s.ErrorIs(s.pool.Release(r, 2), proto.ErrIntegrity)
	s.Equal(uint64(1), s.pool.Owner(r))

	s.Require().NoError(s.pool.Release(r, 1))
	s.ErrorIs(s.pool.Release(r, 1), proto.ErrIntegrity)
}

func (s *PoolTestSuite) TestAcquireZeroesRegion() {
	r, err := s.pool.Acquire(1)
	s.Require().NoError(err)
	copy(r.Bytes(), "stale payload")
	s.Require().NoError(s.pool.Release(r, 1))

	r2, err := s.pool.Acquire(2)
	s.Require().NoError(err)
	s.Same(r, r2)
	s.Equal(make([]byte, 13), r2.Bytes()[:13])
}

func (s *PoolTestSuite) TestReleaseDropsLease() {
	r, err := s.pool.Acquire(1)
	s.Require().NoError(err)
	s.Len(r.Bytes(), r.Size())
	s.Equal(-1, r.Fd())

	s.Require().NoError(s.pool.Release(r, 1))
	s.Nil(r.Bytes())
	s.Equal(-1, r.Fd())
}

func (s *PoolTestSuite) TestDupHeapRegion() {
	s.False(s.pool.Shareable())
	r, err := s.pool.Acquire(1)
	s.Require().NoError(err)

	_, err = s.pool.Dup(r, 1)
	s.ErrorIs(err, proto.ErrInvalidArgument)
	_, err = s.pool.Dup(r, 2)
	s.ErrorIs(err, proto.ErrNotFound)

	s.Require().NoError(s.pool.Release(r, 1))
	_, err = s.pool.Dup(r, 1)
	s.ErrorIs(err, proto.ErrNotFound)
}

func (s *PoolTestSuite) TestIDsUniqueAmongLiveRegions() {
	seen := map[uint16]bool{}
	for i := 1; i <= 4; i++ {
		r, err := s.pool.Acquire(uint64(i))
		s.Require().NoError(err)
		s.False(seen[r.ID()])
		seen[r.ID()] = true
	}
}

func (s *PoolTestSuite) TestZeroOwnerRejected() {
	_, err := s.pool.Acquire(0)
	s.ErrorIs(err, proto.ErrInvalidArgument)
}

func (s *PoolTestSuite) TestConcurrentAcquireNeverShares() {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[*Region]uint64{}
	)
	for i := 1; i <= 16; i++ {
		wg.Add(1)
		go func(owner uint64) {
			defer wg.Done()
			r, err := s.pool.Acquire(owner)
			if err != nil {
				s.ErrorIs(err, proto.ErrOutOfMemory)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, dup := got[r]
			s.False(dup)
			got[r] = owner
		}(uint64(i))
	}
	wg.Wait()
	s.Len(got, 4)
	for r, owner := range got {
		s.Equal(owner, s.pool.Owner(r))
	}
}

func (s *PoolTestSuite) TestClosedPool() {
	s.Require().NoError(s.pool.Close(context.Background()))
	_, err := s.pool.Acquire(1)
	s.ErrorIs(err, ErrPoolClosed)
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func TestNewRejectsBadOptions(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Options{Regions: 0, Type: internalshm.MemMapTypeHeap})
	if err == nil {
		t.Fatal("expected error for zero regions")
	}
	_, err = New(ctx, Options{Regions: 1, RegionSize: internalshm.PageSize() + 1, Type: internalshm.MemMapTypeHeap})
	if err == nil {
		t.Fatal("expected error for unaligned region size")
	}
}
