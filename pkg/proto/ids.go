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

package proto

import "fmt"

// MaxID is the largest id any entity or region can carry.
const MaxID = 0xFFFF

// PackIDs combines two ids into the 32-bit value used to address a mapping:
// the high 16 bits hold primary, the low 16 bits hold secondary.
func PackIDs(primary, secondary uint16) uint32 {
	return uint32(primary)<<16 | uint32(secondary)
}

// UnpackIDs splits a value produced by PackIDs.
func UnpackIDs(v uint32) (primary, secondary uint16) {
	return uint16(v >> 16), uint16(v)
}

// CheckID validates an id coming from an untyped source such as a flag or config file.
func CheckID(id int) (uint16, error) {
	if id < 0 || id > MaxID {
		return 0, fmt.Errorf("id %d out of range [0, %d]: %w", id, MaxID, ErrInvalidArgument)
	}
	return uint16(id), nil
}
