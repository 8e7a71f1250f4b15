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

package paging

import (
	"testing"

	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/memory/pgalloc"
	"github.com/a-andreyev/managarm/pkg/platform"
)

const kernelBase hostarch.VirtualAddr = 0xFFFF_8000_0000_0000

func newTestSpace(t *testing.T) (*platform.Machine, *pgalloc.ChunkAllocator, *PageSpace) {
	t.Helper()
	m := platform.NewMachine(platform.Options{MemoryBytes: 4 << 20})
	alloc := pgalloc.New(m, hostarch.PageSize, (4<<20)-hostarch.PageSize)
	s, err := New(m, alloc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, alloc, s
}

func TestMapTranslateUnmap(t *testing.T) {
	m, alloc, s := newTestSpace(t)

	frame, err := alloc.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	const virt hostarch.VirtualAddr = 0x4000_0000
	if err := s.MapSingle4k(virt, frame, hostarch.UserReadWrite); err != nil {
		t.Fatalf("MapSingle4k: %v", err)
	}
	m.InvalidateTLB()

	phys, ok := m.Translate(s.Root(), virt+0x123, true, true)
	if !ok {
		t.Fatalf("Translate failed on a mapped page")
	}
	if want := frame + 0x123; phys != want {
		t.Errorf("Translate = %#x, want %#x", phys, want)
	}
	if _, ok := m.Translate(s.Root(), virt+hostarch.PageSize, false, false); ok {
		t.Errorf("Translate succeeded on an unmapped page")
	}

	got := s.UnmapSingle4k(virt)
	m.InvalidateTLB()
	if got != frame {
		t.Errorf("UnmapSingle4k = %#x, want %#x", got, frame)
	}
	if _, ok := m.Translate(s.Root(), virt, false, false); ok {
		t.Errorf("Translate succeeded after unmap")
	}
}

func TestAccessBits(t *testing.T) {
	m, alloc, s := newTestSpace(t)
	frame, err := alloc.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	const virt hostarch.VirtualAddr = 0x5000_0000
	if err := s.MapSingle4k(virt, frame, hostarch.KernelReadOnly); err != nil {
		t.Fatalf("MapSingle4k: %v", err)
	}
	if _, ok := m.Translate(s.Root(), virt, false, false); !ok {
		t.Errorf("kernel read refused on a kernel read-only page")
	}
	if _, ok := m.Translate(s.Root(), virt, true, false); ok {
		t.Errorf("write allowed on a read-only page")
	}
	if _, ok := m.Translate(s.Root(), virt, false, true); ok {
		t.Errorf("user access allowed on a kernel page")
	}
}

func TestCloneSharesKernelHalf(t *testing.T) {
	m, alloc, s := newTestSpace(t)
	if err := s.ProvisionKernelHalf(kernelBase, 1<<30); err != nil {
		t.Fatalf("ProvisionKernelHalf: %v", err)
	}

	clone, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	// A kernel mapping made after the clone is visible through both roots.
	frame, err := alloc.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := s.MapSingle4k(kernelBase, frame, hostarch.KernelReadWrite); err != nil {
		t.Fatalf("MapSingle4k: %v", err)
	}
	m.InvalidateTLB()
	if _, ok := m.Translate(clone.Root(), kernelBase, true, false); !ok {
		t.Errorf("kernel mapping not visible through the cloned space")
	}

	// User mappings stay private.
	uframe, err := alloc.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	const uvirt hostarch.VirtualAddr = 0x4000_0000
	if err := clone.MapSingle4k(uvirt, uframe, hostarch.UserReadWrite); err != nil {
		t.Fatalf("MapSingle4k: %v", err)
	}
	m.InvalidateTLB()
	if _, ok := m.Translate(s.Root(), uvirt, false, false); ok {
		t.Errorf("user mapping of the clone leaked into the original space")
	}
}

func TestDestroyReturnsTables(t *testing.T) {
	_, alloc, s := newTestSpace(t)
	before := alloc.FreePages()

	clone, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	frame, err := alloc.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := clone.MapSingle4k(0x4000_0000, frame, hostarch.UserReadWrite); err != nil {
		t.Fatalf("MapSingle4k: %v", err)
	}
	clone.UnmapSingle4k(0x4000_0000)
	alloc.Free(frame, hostarch.PageSize)
	clone.Destroy()

	if after := alloc.FreePages(); after != before {
		t.Errorf("Destroy leaked %d pages", before-after)
	}
}
