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

// Package paging manages hierarchical page tables.
//
// A PageSpace owns a 4-level table tree stored in physical frames. Interior
// tables are allocated from the physical allocator on demand and zeroed.
// Callers follow every mapping change with a TLB invalidation at the
// appropriate granularity.
package paging

import (
	"fmt"

	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/memory/pgalloc"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// tableEntries is the number of entries per table level.
const tableEntries = 512

// kernelHalfStart is the first top-level index of the kernel half. Entries
// at or above it point to tables shared by every page space.
const kernelHalfStart = 256

// PageSpace wraps one page table tree.
type PageSpace struct {
	m     *platform.Machine
	alloc *pgalloc.ChunkAllocator
	root  hostarch.PhysicalAddr
}

// New allocates an empty page space.
func New(m *platform.Machine, alloc *pgalloc.ChunkAllocator) (*PageSpace, error) {
	root, err := allocTable(m, alloc)
	if err != nil {
		return nil, err
	}
	return &PageSpace{m: m, alloc: alloc, root: root}, nil
}

// Root returns the physical address of the top-level table.
func (s *PageSpace) Root() hostarch.PhysicalAddr {
	return s.root
}

// SwitchTo loads this space's root into the MMU.
func (s *PageSpace) SwitchTo() {
	s.m.SwitchSpace(s.root)
}

// allocTable returns a zeroed table frame.
func allocTable(m *platform.Machine, alloc *pgalloc.ChunkAllocator) (hostarch.PhysicalAddr, error) {
	addr, err := alloc.Allocate(hostarch.PageSize)
	if err != nil {
		return 0, err
	}
	clear(m.Frame(addr))
	return addr, nil
}

func entryFlags(access hostarch.AccessType) uint64 {
	flags := platform.EntryPresent
	if access.Write {
		flags |= platform.EntryWritable
	}
	if access.User {
		flags |= platform.EntryUser
	}
	return flags
}

// MapSingle4k installs a leaf entry mapping virt to phys with the given
// access. Missing interior tables are created; interior entries carry the
// widest access so the leaf alone decides. Mapping over an existing leaf is
// a kernel bug.
func (s *PageSpace) MapSingle4k(virt hostarch.VirtualAddr, phys hostarch.PhysicalAddr, access hostarch.AccessType) error {
	if !virt.IsPageAligned() || !phys.IsPageAligned() {
		panic(fmt.Sprintf("paging: misaligned mapping %#x -> %#x", virt, phys))
	}
	table := s.root
	for level := 3; level > 0; level-- {
		slot := table + hostarch.PhysicalAddr(s.index(virt, level)*8)
		entry := s.m.ReadPhys64(slot)
		if entry&platform.EntryPresent == 0 {
			sub, err := allocTable(s.m, s.alloc)
			if err != nil {
				return err
			}
			entry = uint64(sub) | platform.EntryPresent | platform.EntryWritable | platform.EntryUser
			s.m.WritePhys64(slot, entry)
		}
		table = hostarch.PhysicalAddr(entry & platform.EntryAddrMask)
	}
	slot := table + hostarch.PhysicalAddr(s.index(virt, 0)*8)
	if s.m.ReadPhys64(slot)&platform.EntryPresent != 0 {
		panic(fmt.Sprintf("paging: double mapping at %#x", virt))
	}
	s.m.WritePhys64(slot, uint64(phys)|entryFlags(access))
	return nil
}

// UnmapSingle4k clears the leaf entry for virt and returns the frame it
// mapped. Unmapping a hole is a kernel bug.
func (s *PageSpace) UnmapSingle4k(virt hostarch.VirtualAddr) hostarch.PhysicalAddr {
	if !virt.IsPageAligned() {
		panic(fmt.Sprintf("paging: misaligned unmap %#x", virt))
	}
	table := s.root
	for level := 3; level > 0; level-- {
		entry := s.m.ReadPhys64(table + hostarch.PhysicalAddr(s.index(virt, level)*8))
		if entry&platform.EntryPresent == 0 {
			panic(fmt.Sprintf("paging: unmap of unmapped address %#x", virt))
		}
		table = hostarch.PhysicalAddr(entry & platform.EntryAddrMask)
	}
	slot := table + hostarch.PhysicalAddr(s.index(virt, 0)*8)
	entry := s.m.ReadPhys64(slot)
	if entry&platform.EntryPresent == 0 {
		panic(fmt.Sprintf("paging: unmap of unmapped address %#x", virt))
	}
	s.m.WritePhys64(slot, 0)
	return hostarch.PhysicalAddr(entry & platform.EntryAddrMask)
}

// Clone produces a new page space that shares this space's kernel-half
// tables and has an empty user half.
func (s *PageSpace) Clone() (*PageSpace, error) {
	root, err := allocTable(s.m, s.alloc)
	if err != nil {
		return nil, err
	}
	for i := kernelHalfStart; i < tableEntries; i++ {
		off := hostarch.PhysicalAddr(i * 8)
		s.m.WritePhys64(root+off, s.m.ReadPhys64(s.root+off))
	}
	return &PageSpace{m: s.m, alloc: s.alloc, root: root}, nil
}

// ProvisionKernelHalf pre-allocates the second-level tables for the
// top-level kernel-half slots covering [base, base+length), so that later
// kernel mappings become visible in every cloned space.
func (s *PageSpace) ProvisionKernelHalf(base hostarch.VirtualAddr, length uint64) error {
	first := s.index(base, 3)
	last := s.index(base+hostarch.VirtualAddr(length-1), 3)
	if first < kernelHalfStart {
		panic(fmt.Sprintf("paging: %#x is not in the kernel half", base))
	}
	for i := first; i <= last; i++ {
		slot := s.root + hostarch.PhysicalAddr(i*8)
		if s.m.ReadPhys64(slot)&platform.EntryPresent != 0 {
			continue
		}
		sub, err := allocTable(s.m, s.alloc)
		if err != nil {
			return err
		}
		s.m.WritePhys64(slot, uint64(sub)|platform.EntryPresent|platform.EntryWritable)
	}
	return nil
}

// Destroy frees the space's user-half interior tables and its root. Leaf
// frames belong to their Memory objects and must already be unmapped;
// kernel-half tables are shared across spaces and are retained.
func (s *PageSpace) Destroy() {
	for i := 0; i < kernelHalfStart; i++ {
		entry := s.m.ReadPhys64(s.root + hostarch.PhysicalAddr(i*8))
		if entry&platform.EntryPresent != 0 {
			s.freeTable(hostarch.PhysicalAddr(entry&platform.EntryAddrMask), 2)
		}
	}
	s.alloc.Free(s.root, hostarch.PageSize)
	s.root = 0
}

func (s *PageSpace) freeTable(table hostarch.PhysicalAddr, level int) {
	if level > 0 {
		for i := 0; i < tableEntries; i++ {
			entry := s.m.ReadPhys64(table + hostarch.PhysicalAddr(i*8))
			if entry&platform.EntryPresent != 0 {
				s.freeTable(hostarch.PhysicalAddr(entry&platform.EntryAddrMask), level-1)
			}
		}
	}
	s.alloc.Free(table, hostarch.PageSize)
}

// index returns virt's table index at the given level (0 = leaf).
func (s *PageSpace) index(virt hostarch.VirtualAddr, level int) uint64 {
	return (uint64(virt) >> (hostarch.PageShift + 9*level)) & (tableEntries - 1)
}
