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

// Package pgalloc implements the physical page allocator.
//
// A single bootstrap chunk is carved into 4 KiB frames tracked by a free
// bitmap. Allocation is first-fit; runs longer than one page are served
// naturally aligned.
package pgalloc

import (
	"fmt"

	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// ChunkAllocator serves physical frames from the bootstrap chunk.
type ChunkAllocator struct {
	lock *platform.IrqSpinLock

	base  hostarch.PhysicalAddr
	pages uint64

	// used has one bit per frame; set means allocated.
	used []uint64

	freePages uint64
}

// New constructs an allocator over the chunk [base, base+length). base must
// be page-aligned; length is rounded down to whole pages.
func New(m *platform.Machine, base hostarch.PhysicalAddr, length uint64) *ChunkAllocator {
	if !base.IsPageAligned() {
		panic(fmt.Sprintf("pgalloc: misaligned bootstrap base %#x", base))
	}
	pages := length >> hostarch.PageShift
	return &ChunkAllocator{
		lock:      m.NewIrqLock(),
		base:      base,
		pages:     pages,
		used:      make([]uint64, (pages+63)/64),
		freePages: pages,
	}
}

// FreePages returns the number of free frames.
func (a *ChunkAllocator) FreePages() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.freePages
}

// Allocate returns a naturally aligned run of size bytes. size must be a
// positive multiple of the page size.
func (a *ChunkAllocator) Allocate(size uint64) (hostarch.PhysicalAddr, error) {
	if size == 0 || size&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("pgalloc: bad allocation size %#x", size))
	}
	n := size >> hostarch.PageShift
	align := alignFor(n)

	a.lock.Lock()
	defer a.lock.Unlock()

	if n > a.freePages {
		return 0, hel.ErrNoMemory
	}
	// The chunk base is page-aligned but not necessarily aligned to larger
	// runs, so alignment is computed in absolute frame numbers.
	baseFrame := uint64(a.base) >> hostarch.PageShift
	start := (baseFrame + align - 1) &^ (align - 1)
	for ; start+n <= baseFrame+a.pages; start += align {
		if a.rangeFree(start-baseFrame, n) {
			a.setRange(start-baseFrame, n, true)
			a.freePages -= n
			return hostarch.PhysicalAddr(start << hostarch.PageShift), nil
		}
	}
	return 0, hel.ErrNoMemory
}

// Free returns the run [addr, addr+size) to the allocator. Freeing frames
// that are not allocated is a kernel bug.
func (a *ChunkAllocator) Free(addr hostarch.PhysicalAddr, size uint64) {
	if !addr.IsPageAligned() || size == 0 || size&hostarch.PageMask != 0 {
		panic(fmt.Sprintf("pgalloc: bad free [%#x, +%#x)", addr, size))
	}
	n := size >> hostarch.PageShift
	first := (uint64(addr) - uint64(a.base)) >> hostarch.PageShift

	a.lock.Lock()
	defer a.lock.Unlock()

	if first+n > a.pages {
		panic(fmt.Sprintf("pgalloc: free [%#x, +%#x) outside chunk", addr, size))
	}
	for i := first; i < first+n; i++ {
		if a.used[i/64]&(1<<(i%64)) == 0 {
			panic(fmt.Sprintf("pgalloc: double free of frame %#x", a.base+hostarch.PhysicalAddr(i<<hostarch.PageShift)))
		}
	}
	a.setRange(first, n, false)
	a.freePages += n
}

// rangeFree reports whether frames [first, first+n) are all free.
func (a *ChunkAllocator) rangeFree(first, n uint64) bool {
	for i := first; i < first+n; i++ {
		if a.used[i/64]&(1<<(i%64)) != 0 {
			return false
		}
	}
	return true
}

func (a *ChunkAllocator) setRange(first, n uint64, allocated bool) {
	for i := first; i < first+n; i++ {
		if allocated {
			a.used[i/64] |= 1 << (i % 64)
		} else {
			a.used[i/64] &^= 1 << (i % 64)
		}
	}
}

// alignFor returns the natural alignment, in frames, of an n-frame run: the
// smallest power of two >= n.
func alignFor(n uint64) uint64 {
	align := uint64(1)
	for align < n {
		align <<= 1
	}
	return align
}
