//go:build !linux

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
)

func mapPlatform(opts MapOptions) (*MappedRegion, error) {
	return nil, fmt.Errorf("%s: %w", opts.Type, ErrUnsupported)
}

func unmapPlatform(*MappedRegion) error {
	return nil
}

func canCreateOnDevShm(uint64, string) bool {
	return true
}

// MapFd is only available on Linux.
func MapFd(int, int64, int) ([]byte, error) {
	return nil, ErrUnsupported
}

// DupFd is only available on Linux.
func DupFd(int) (int, error) {
	return -1, ErrUnsupported
}

// Unmap is only available on Linux.
func Unmap([]byte) error {
	return nil
}

// PageSize returns the system page size.
func PageSize() int {
	return os.Getpagesize()
}
