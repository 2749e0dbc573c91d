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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/shmbus/internal/shm"
	"github.com/srediag/shmbus/pkg/proto"
)

func newMemFdPool(t *testing.T, regions int) *Pool {
	t.Helper()
	p, err := New(context.Background(), Options{Name: "pool-linux-test", Regions: regions, Type: MemMapTypeMemFd})
	if err != nil {
		t.Skipf("memfd unavailable: %v", err)
	}
	t.Cleanup(func() { assert.NoError(t, p.Close(context.Background())) })
	return p
}

func fdSize(t *testing.T, fd int) int64 {
	t.Helper()
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	return st.Size
}

func TestMemFdRegionsHaveOwnSegments(t *testing.T) {
	p := newMemFdPool(t, 2)
	require.True(t, p.Shareable())

	a, err := p.Acquire(1)
	require.NoError(t, err)
	b, err := p.Acquire(2)
	require.NoError(t, err)
	require.GreaterOrEqual(t, a.Fd(), 0)
	require.GreaterOrEqual(t, b.Fd(), 0)
	assert.NotEqual(t, a.Fd(), b.Fd())
	assert.Equal(t, int64(p.RegionSize()), fdSize(t, a.Fd()))

	copy(a.Bytes(), "SECRET")
	fd, err := p.Dup(b, 2)
	require.NoError(t, err)
	defer unix.Close(fd)
	assert.Equal(t, int64(p.RegionSize()), fdSize(t, fd))

	view, err := internalshm.MapFd(fd, 0, p.RegionSize())
	require.NoError(t, err)
	defer func() { assert.NoError(t, internalshm.Unmap(view)) }()
	assert.False(t, bytes.Contains(view, []byte("SECRET")))
}

func TestDupFailsAfterRelease(t *testing.T) {
	p := newMemFdPool(t, 1)
	r, err := p.Acquire(1)
	require.NoError(t, err)

	fd, err := p.Dup(r, 1)
	require.NoError(t, err)
	old, err := internalshm.MapFd(fd, 0, p.RegionSize())
	require.NoError(t, err)
	require.NoError(t, unix.Close(fd))

	_, err = p.Dup(r, 2)
	assert.ErrorIs(t, err, proto.ErrNotFound)
	require.NoError(t, p.Release(r, 1))
	_, err = p.Dup(r, 1)
	assert.ErrorIs(t, err, proto.ErrNotFound)

	// a former holder's mapping never observes the next lease of the slot
	r2, err := p.Acquire(2)
	require.NoError(t, err)
	require.Same(t, r, r2)
	copy(r2.Bytes(), "next lease")
	assert.False(t, bytes.Contains(old, []byte("next lease")))
	require.NoError(t, internalshm.Unmap(old))

	_, err = p.Dup(r2, 1)
	assert.ErrorIs(t, err, proto.ErrNotFound)
}
