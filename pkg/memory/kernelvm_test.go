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

package memory

import (
	"bytes"
	"testing"

	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/memory/paging"
	"github.com/a-andreyev/managarm/pkg/memory/pgalloc"
	"github.com/a-andreyev/managarm/pkg/platform"
)

func newTestHeap(t *testing.T) (*platform.Machine, *pgalloc.ChunkAllocator, *KernelVirtualAlloc) {
	t.Helper()
	m := platform.NewMachine(platform.Options{MemoryBytes: 16 << 20})
	alloc := pgalloc.New(m, hostarch.PageSize, (16<<20)-hostarch.PageSize)
	space, err := paging.New(m, alloc)
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	if err := space.ProvisionKernelHalf(KernelVirtualBase, KernelVirtualSize); err != nil {
		t.Fatalf("ProvisionKernelHalf: %v", err)
	}
	kvm, err := NewKernelVirtualMemory(m, alloc, space)
	if err != nil {
		t.Fatalf("NewKernelVirtualMemory: %v", err)
	}
	return m, alloc, NewKernelVirtualAlloc(m, alloc, space, kvm)
}

func TestHeapMapReadWrite(t *testing.T) {
	_, _, heap := newTestHeap(t)

	addr, err := heap.Map(3 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if addr < KernelVirtualBase {
		t.Fatalf("Map = %#x, below the kernel virtual base", addr)
	}

	payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x01}, 4000)
	heap.Write(addr+17, payload)
	got := make([]byte, len(payload))
	heap.Read(addr+17, got)
	if !bytes.Equal(got, payload) {
		t.Errorf("heap read did not return the written bytes")
	}
	heap.Unmap(addr, 3*hostarch.PageSize)
}

func TestHeapUnmapReturnsFrames(t *testing.T) {
	_, alloc, heap := newTestHeap(t)
	before := alloc.FreePages()

	addr, err := heap.Map(8 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Map consumes the 8 backing frames plus whatever interior page tables
	// the run needs; the tables persist, the backing frames must not.
	during := alloc.FreePages()
	if before-during < 8 {
		t.Fatalf("Map backed %d frames, want at least 8", before-during)
	}
	heap.Unmap(addr, 8*hostarch.PageSize)
	if after := alloc.FreePages(); after != during+8 {
		t.Errorf("Unmap returned %d frames, want 8", after-during)
	}
}

func TestHeapDistinctAllocations(t *testing.T) {
	_, _, heap := newTestHeap(t)
	a, err := heap.Map(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	b, err := heap.Map(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if a == b {
		t.Fatalf("Map returned the same run twice")
	}
	heap.Write(a, []byte{1, 2, 3})
	heap.Write(b, []byte{9, 8, 7})
	got := make([]byte, 3)
	heap.Read(a, got)
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("allocations alias: read %v from a", got)
	}
}
