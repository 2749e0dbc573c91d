//go:build linux

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
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const devShmDir = "/dev/shm"

func mapPlatform(opts MapOptions) (*MappedRegion, error) {
	switch opts.Type {
	case MemMapTypeMemFd:
		return mapMemFd(opts)
	case MemMapTypeDevShmFile:
		return mapDevShm(opts)
	}
	return nil, fmt.Errorf("%s: %w", opts.Type, ErrUnsupported)
}

func mapMemFd(opts MapOptions) (*MappedRegion, error) {
	fd, err := unix.MemfdCreate(opts.Name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", opts.Name, err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Fd: fd, Type: MemMapTypeMemFd}, nil
}

func mapDevShm(opts MapOptions) (*MappedRegion, error) {
	shmPath := filepath.Join(devShmDir, opts.Name)
	if pathExists(shmPath) {
		return nil, fmt.Errorf("segment %s already exists", shmPath)
	}
	if !canCreateOnDevShm(uint64(opts.Size), shmPath) {
		return nil, fmt.Errorf("not enough space on %s for %d bytes", devShmDir, opts.Size)
	}
	fd, err := unix.Open(shmPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", shmPath, err)
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(shmPath)
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(shmPath)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Fd: fd, Path: shmPath, Type: MemMapTypeDevShmFile}, nil
}

func unmapPlatform(region *MappedRegion) error {
	var err error
	if e := unix.Munmap(region.Addr); e != nil {
		err = multierr.Append(err, fmt.Errorf("munmap: %w", e))
	}
	if region.Fd >= 0 {
		if e := unix.Close(region.Fd); e != nil {
			err = multierr.Append(err, fmt.Errorf("close fd %d: %w", region.Fd, e))
		}
	}
	if region.Path != "" {
		if e := os.Remove(region.Path); e != nil && !os.IsNotExist(e) {
			err = multierr.Append(err, fmt.Errorf("remove %s: %w", region.Path, e))
		}
	}
	return err
}

// canCreateOnDevShm reports whether size bytes fit on /dev/shm. Paths elsewhere always fit.
func canCreateOnDevShm(size uint64, path string) bool {
	if filepath.Dir(path) != devShmDir {
		return true
	}
	stat, err := disk.Usage(devShmDir)
	if err != nil {
		return false
	}
	return stat.Free >= size
}

// MapFd maps length bytes at offset of fd for reading and writing.
func MapFd(fd int, offset int64, length int) ([]byte, error) {
	b, err := unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap fd %d at %d: %w", fd, offset, err)
	}
	return b, nil
}

// DupFd duplicates fd with close-on-exec set.
func DupFd(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup fd %d: %w", fd, err)
	}
	return nfd, nil
}

// Unmap releases a mapping obtained from MapFd.
func Unmap(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// PageSize returns the system page size.
func PageSize() int {
	return unix.Getpagesize()
}
