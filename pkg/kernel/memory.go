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

package kernel

import (
	"fmt"

	"github.com/google/btree"

	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/memory/paging"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// The user half of every address space. Mappings are only created inside
// this range; the init image and boot stack live here too.
const (
	userAreaBase hostarch.VirtualAddr = 0x0000_0000_0100_0000
	userAreaTop  hostarch.VirtualAddr = 0x0000_7FFF_FFFF_F000
)

// Memory is a kernel-owned sequence of physical 4 KiB frames, exposed to
// user space through mappings. Frames appended by Resize are owned and
// returned to the allocator on destruction; frames appended by AddPage are
// borrowed (boot module images).
type Memory struct {
	refs refCount

	k     *Kernel
	pages []memoryPage
}

type memoryPage struct {
	addr  hostarch.PhysicalAddr
	owned bool
}

// NewMemory returns an empty Memory.
func (k *Kernel) NewMemory() *Memory {
	m := &Memory{k: k}
	m.refs.init()
	return m
}

// IncRef adds a shared owner.
func (m *Memory) IncRef() {
	m.refs.incRef()
}

// DecRef drops a shared owner; the last drop returns owned frames.
func (m *Memory) DecRef() {
	if !m.refs.decRef() {
		return
	}
	for _, p := range m.pages {
		if p.owned {
			m.k.physical.Free(p.addr, hostarch.PageSize)
		}
	}
	m.pages = nil
}

// Resize grows the Memory to cover at least length bytes, appending
// zero-filled frames. Shrinking is not supported.
func (m *Memory) Resize(length uint64) error {
	want := hostarch.PagesSpanned(length)
	for uint64(len(m.pages)) < want {
		addr, err := m.k.physical.Allocate(hostarch.PageSize)
		if err != nil {
			return err
		}
		clear(m.k.machine.Frame(addr))
		m.pages = append(m.pages, memoryPage{addr: addr, owned: true})
	}
	return nil
}

// AddPage appends a caller-provided frame without taking ownership.
func (m *Memory) AddPage(addr hostarch.PhysicalAddr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("kernel: misaligned memory page %#x", addr))
	}
	m.pages = append(m.pages, memoryPage{addr: addr})
}

// GetPage returns the index-th backing frame.
func (m *Memory) GetPage(index uint64) hostarch.PhysicalAddr {
	return m.pages[index].addr
}

// NumPages returns the number of backing frames.
func (m *Memory) NumPages() uint64 {
	return uint64(len(m.pages))
}

// Length returns the Memory's size in bytes.
func (m *Memory) Length() uint64 {
	return uint64(len(m.pages)) * hostarch.PageSize
}

// MappingKind discriminates hole reservations from installed memory.
type MappingKind int

const (
	// MappingHole reserves a range without backing it.
	MappingHole MappingKind = iota

	// MappingMemory maps each page of the range to the matching frame of a
	// Memory.
	MappingMemory
)

// Mapping is a half-open virtual range within an address space. Mappings
// are exclusively owned by their AddressSpace.
type Mapping struct {
	Base hostarch.VirtualAddr
	Size uint64

	Kind   MappingKind
	Memory *Memory
}

// AddressSpace is a user page table plus the set of mappings installed in
// it, ordered by base address.
type AddressSpace struct {
	refs refCount

	k     *Kernel
	space *paging.PageSpace

	// lock guards mappings.
	lock     *platform.IrqSpinLock
	mappings *btree.BTreeG[*Mapping]
}

// NewAddressSpace wraps a user page space.
func (k *Kernel) NewAddressSpace(space *paging.PageSpace) *AddressSpace {
	as := &AddressSpace{
		k:     k,
		space: space,
		lock:  k.machine.NewIrqLock(),
		mappings: btree.NewG(4, func(a, b *Mapping) bool {
			return a.Base < b.Base
		}),
	}
	as.refs.init()
	return as
}

// IncRef adds a shared owner.
func (as *AddressSpace) IncRef() {
	as.refs.incRef()
}

// DecRef drops a shared owner. The last drop unmaps every installed page,
// releases the mapped Memory objects, and frees the page table tree.
func (as *AddressSpace) DecRef() {
	if !as.refs.decRef() {
		return
	}
	as.mappings.Ascend(func(m *Mapping) bool {
		if m.Kind != MappingMemory {
			return true
		}
		for offset := uint64(0); offset < m.Size; offset += hostarch.PageSize {
			as.space.UnmapSingle4k(m.Base + hostarch.VirtualAddr(offset))
		}
		m.Memory.DecRef()
		return true
	})
	as.mappings.Clear(false)
	as.space.Destroy()
	as.k.machine.InvalidateTLB()
}

// PageRoot returns the physical root of the backing page tables.
func (as *AddressSpace) PageRoot() hostarch.PhysicalAddr {
	return as.space.Root()
}

// SwitchTo loads this space into the MMU.
func (as *AddressSpace) SwitchTo() {
	as.space.SwitchTo()
}

// Allocate reserves a hole of at least size bytes at the lowest free base
// in the user half.
func (as *AddressSpace) Allocate(size uint64) (*Mapping, error) {
	size = hostarch.PageRoundUp(size)
	if size == 0 {
		return nil, hel.ErrNoMemory
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	candidate := userAreaBase
	as.mappings.Ascend(func(m *Mapping) bool {
		if uint64(m.Base-candidate) >= size {
			return false
		}
		candidate = m.Base + hostarch.VirtualAddr(m.Size)
		return true
	})
	if uint64(userAreaTop-candidate) < size {
		return nil, hel.ErrNoMemory
	}
	m := &Mapping{Base: candidate, Size: size}
	as.mappings.ReplaceOrInsert(m)
	return m, nil
}

// AllocateAt reserves [addr, addr+size). It fails if the range leaves the
// user half or overlaps an existing mapping.
func (as *AddressSpace) AllocateAt(addr hostarch.VirtualAddr, size uint64) (*Mapping, error) {
	size = hostarch.PageRoundUp(size)
	if size == 0 || !addr.IsPageAligned() {
		return nil, hel.ErrNoMemory
	}
	if addr < userAreaBase || uint64(userAreaTop-addr) < size {
		return nil, hel.ErrNoMemory
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	overlaps := false
	as.mappings.DescendLessOrEqual(&Mapping{Base: addr + hostarch.VirtualAddr(size-1)}, func(m *Mapping) bool {
		overlaps = m.Base+hostarch.VirtualAddr(m.Size) > addr
		return false
	})
	if overlaps {
		return nil, hel.ErrNoMemory
	}
	m := &Mapping{Base: addr, Size: size}
	as.mappings.ReplaceOrInsert(m)
	return m, nil
}

// MapSingle4k installs a user read/write leaf in the backing page space.
func (as *AddressSpace) MapSingle4k(virt hostarch.VirtualAddr, phys hostarch.PhysicalAddr) error {
	return as.space.MapSingle4k(virt, phys, hostarch.UserReadWrite)
}

// UnmapSingle4k removes a leaf from the backing page space.
func (as *AddressSpace) UnmapSingle4k(virt hostarch.VirtualAddr) hostarch.PhysicalAddr {
	return as.space.UnmapSingle4k(virt)
}

// Install turns a hole mapping into a memory mapping, taking ownership of
// one reference to memory. The pages must already be installed.
func (as *AddressSpace) Install(m *Mapping, memory *Memory) {
	as.lock.Lock()
	defer as.lock.Unlock()
	if m.Kind != MappingHole {
		panic("kernel: mapping installed twice")
	}
	m.Kind = MappingMemory
	m.Memory = memory
}

// Remove deletes a hole mapping that will not be installed.
func (as *AddressSpace) Remove(m *Mapping) {
	as.lock.Lock()
	defer as.lock.Unlock()
	as.mappings.Delete(m)
}
