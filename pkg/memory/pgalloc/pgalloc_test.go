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

package pgalloc

import (
	"testing"

	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/platform"
)

func newTestAllocator(t *testing.T, pages uint64) *ChunkAllocator {
	t.Helper()
	m := platform.NewMachine(platform.Options{MemoryBytes: (pages + 1) * hostarch.PageSize})
	return New(m, hostarch.PageSize, pages*hostarch.PageSize)
}

func TestAllocateDistinctAligned(t *testing.T) {
	a := newTestAllocator(t, 64)
	seen := make(map[hostarch.PhysicalAddr]bool)
	for i := 0; i < 64; i++ {
		addr, err := a.Allocate(hostarch.PageSize)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
		if !addr.IsPageAligned() {
			t.Errorf("Allocate returned misaligned frame %#x", addr)
		}
		if seen[addr] {
			t.Errorf("Allocate returned frame %#x twice", addr)
		}
		seen[addr] = true
	}
	if _, err := a.Allocate(hostarch.PageSize); err == nil {
		t.Errorf("Allocate succeeded on an exhausted chunk")
	}
}

func TestAllocateRunAlignment(t *testing.T) {
	a := newTestAllocator(t, 64)
	for _, pages := range []uint64{2, 4, 8} {
		addr, err := a.Allocate(pages * hostarch.PageSize)
		if err != nil {
			t.Fatalf("Allocate(%d pages): %v", pages, err)
		}
		if uint64(addr)%(pages*hostarch.PageSize) != 0 {
			t.Errorf("Allocate(%d pages) = %#x, not naturally aligned", pages, addr)
		}
	}
}

func TestFreeReuse(t *testing.T) {
	// The chunk starts on an 8-page boundary, so the whole chunk is one
	// naturally aligned 8-page run.
	m := platform.NewMachine(platform.Options{MemoryBytes: 16 * hostarch.PageSize})
	a := New(m, 8*hostarch.PageSize, 8*hostarch.PageSize)
	addrs := make([]hostarch.PhysicalAddr, 8)
	for i := range addrs {
		var err error
		addrs[i], err = a.Allocate(hostarch.PageSize)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
	}
	if got := a.FreePages(); got != 0 {
		t.Fatalf("FreePages = %d, want 0", got)
	}
	for _, addr := range addrs {
		a.Free(addr, hostarch.PageSize)
	}
	if got := a.FreePages(); got != 8 {
		t.Fatalf("FreePages = %d, want 8", got)
	}
	if _, err := a.Allocate(8 * hostarch.PageSize); err != nil {
		t.Errorf("Allocate(8 pages) after freeing everything: %v", err)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := newTestAllocator(t, 4)
	addr, err := a.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(addr, hostarch.PageSize)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	a.Free(addr, hostarch.PageSize)
}
