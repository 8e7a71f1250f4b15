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

// Package buddy implements a power-of-two buddy allocator over an address
// range. Block sizes run from 1<<fineShift to 1<<coarseShift bytes; freed
// blocks merge with their buddies eagerly.
package buddy

import (
	"fmt"
	"math/bits"

	"github.com/a-andreyev/managarm/pkg/hel"
)

// Allocator manages free blocks of an address range. It carries no lock of
// its own; callers serialize access (see memory.KernelVirtualMemory).
type Allocator struct {
	fineShift   uint
	coarseShift uint

	// free holds, per order, the set of free block base addresses. Order o
	// blocks span 1<<(fineShift+o) bytes.
	free []map[uint64]struct{}
}

// ComputeOverhead returns the size of the metadata region a chunk of the
// given size needs: one byte of bookkeeping per fine granule, rounded up to
// a fine granule itself.
func ComputeOverhead(size uint64, fineShift, coarseShift uint) uint64 {
	granule := uint64(1) << fineShift
	raw := size >> fineShift
	return (raw + granule - 1) &^ (granule - 1)
}

// New constructs an empty allocator for the given block size range.
func New(fineShift, coarseShift uint) *Allocator {
	if fineShift > coarseShift {
		panic(fmt.Sprintf("buddy: fine shift %d above coarse shift %d", fineShift, coarseShift))
	}
	orders := coarseShift - fineShift + 1
	a := &Allocator{
		fineShift:   fineShift,
		coarseShift: coarseShift,
		free:        make([]map[uint64]struct{}, orders),
	}
	for i := range a.free {
		a.free[i] = make(map[uint64]struct{})
	}
	return a
}

// AddChunk donates [base, base+length) to the allocator. Both bounds must be
// aligned to the coarse block size.
func (a *Allocator) AddChunk(base, length uint64) {
	coarse := uint64(1) << a.coarseShift
	if base%coarse != 0 || length%coarse != 0 {
		panic(fmt.Sprintf("buddy: chunk [%#x, +%#x) not coarse-aligned", base, length))
	}
	maxOrder := len(a.free) - 1
	for off := uint64(0); off < length; off += coarse {
		a.free[maxOrder][base+off] = struct{}{}
	}
}

// orderFor returns the order of the smallest block holding length bytes, or
// false if length exceeds the coarse block size.
func (a *Allocator) orderFor(length uint64) (int, bool) {
	if length == 0 {
		panic("buddy: zero-length allocation")
	}
	shift := uint(bits.Len64(length - 1))
	if shift < a.fineShift {
		shift = a.fineShift
	}
	if shift > a.coarseShift {
		return 0, false
	}
	return int(shift - a.fineShift), true
}

// Allocate reserves a block of at least length bytes and returns its base.
func (a *Allocator) Allocate(length uint64) (uint64, error) {
	order, ok := a.orderFor(length)
	if !ok {
		return 0, hel.ErrNoMemory
	}
	// Find the smallest free block that fits, splitting on the way down.
	from := order
	for from < len(a.free) && len(a.free[from]) == 0 {
		from++
	}
	if from == len(a.free) {
		return 0, hel.ErrNoMemory
	}
	var block uint64
	for b := range a.free[from] {
		block = b
		break
	}
	delete(a.free[from], block)
	for from > order {
		from--
		buddy := block + 1<<(a.fineShift+uint(from))
		a.free[from][buddy] = struct{}{}
	}
	return block, nil
}

// Free returns a block obtained from Allocate with the same length, merging
// it with free buddies.
func (a *Allocator) Free(addr, length uint64) {
	order, ok := a.orderFor(length)
	if !ok {
		panic(fmt.Sprintf("buddy: bad free length %#x", length))
	}
	blockSize := uint64(1) << (a.fineShift + uint(order))
	if addr%blockSize != 0 {
		panic(fmt.Sprintf("buddy: misaligned free %#x", addr))
	}
	for order < len(a.free)-1 {
		buddy := addr ^ (uint64(1) << (a.fineShift + uint(order)))
		if _, ok := a.free[order][buddy]; !ok {
			break
		}
		delete(a.free[order], buddy)
		if buddy < addr {
			addr = buddy
		}
		order++
	}
	a.free[order][addr] = struct{}{}
}
