// Copyright 2026 The Managarm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostarch defines the machine's address types and page geometry.
package hostarch

// Page geometry. The kernel only deals in 4 KiB leaf pages.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// PhysicalAddr is an address in the machine's physical memory.
type PhysicalAddr uint64

// VirtualAddr is an address in some page space.
type VirtualAddr uint64

// RoundDown returns the largest page-aligned address <= a.
func (a VirtualAddr) RoundDown() VirtualAddr {
	return a &^ PageMask
}

// RoundUp returns the smallest page-aligned address >= a, and false iff the
// rounding overflows.
func (a VirtualAddr) RoundUp() (VirtualAddr, bool) {
	r := (a + PageMask) &^ VirtualAddr(PageMask)
	return r, r >= a
}

// PageOffset returns a's offset within its page.
func (a VirtualAddr) PageOffset() uint64 {
	return uint64(a & PageMask)
}

// IsPageAligned returns true if a is a multiple of the page size.
func (a VirtualAddr) IsPageAligned() bool {
	return a&PageMask == 0
}

// IsPageAligned returns true if a is a multiple of the page size.
func (a PhysicalAddr) IsPageAligned() bool {
	return a&PageMask == 0
}

// PageRoundUp returns length rounded up to a whole number of pages.
func PageRoundUp(length uint64) uint64 {
	return (length + PageMask) &^ uint64(PageMask)
}

// PagesSpanned returns the number of pages needed to back length bytes.
func PagesSpanned(length uint64) uint64 {
	return PageRoundUp(length) >> PageShift
}

// AccessType specifies the access mode of a page mapping.
type AccessType struct {
	Write bool
	User  bool
}

// Access modes used by the kernel.
var (
	// KernelReadOnly maps a page for supervisor reads.
	KernelReadOnly = AccessType{}

	// KernelReadWrite maps a page for supervisor reads and writes.
	KernelReadWrite = AccessType{Write: true}

	// UserReadWrite maps a page for user reads and writes.
	UserReadWrite = AccessType{Write: true, User: true}
)
