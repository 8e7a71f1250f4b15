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

// Package memory implements the kernel's virtual memory range and the heap
// that backs it with physical frames.
package memory

import (
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/log"
	"github.com/a-andreyev/managarm/pkg/memory/buddy"
	"github.com/a-andreyev/managarm/pkg/memory/paging"
	"github.com/a-andreyev/managarm/pkg/memory/pgalloc"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// The kernel virtual range. 1 GiB of kernel heap is sufficient for now.
const (
	KernelVirtualBase hostarch.VirtualAddr = 0xFFFF_8000_0000_0000
	KernelVirtualSize uint64               = 0x4000_0000

	fineShift   = hostarch.PageShift + 4
	coarseShift = hostarch.PageShift + 12
)

// KernelVirtualMemory hands out runs of the kernel virtual range through a
// buddy allocator. The buddy metadata overhead is computed first, pre-mapped,
// and excluded from the allocatable region.
type KernelVirtualMemory struct {
	lock  *platform.IrqSpinLock
	buddy *buddy.Allocator
}

// NewKernelVirtualMemory initializes the kernel virtual range, pre-mapping
// the metadata overhead region through kernelSpace.
func NewKernelVirtualMemory(m *platform.Machine, alloc *pgalloc.ChunkAllocator, kernelSpace *paging.PageSpace) (*KernelVirtualMemory, error) {
	originalBase := uint64(KernelVirtualBase)
	originalSize := KernelVirtualSize

	overhead := buddy.ComputeOverhead(originalSize, fineShift, coarseShift)

	base := originalBase + overhead
	length := originalSize - overhead

	// Align the base to the next coarse boundary and shrink the length to a
	// coarse multiple.
	coarse := uint64(1) << coarseShift
	if misalign := base % coarse; misalign != 0 {
		base += coarse - misalign
		length -= coarse - misalign
	}
	length -= length % coarse

	log.Debugf("Kernel virtual memory overhead: %#x", overhead)
	for offset := uint64(0); offset < overhead; offset += hostarch.PageSize {
		physical, err := alloc.Allocate(hostarch.PageSize)
		if err != nil {
			return nil, err
		}
		if err := kernelSpace.MapSingle4k(hostarch.VirtualAddr(originalBase+offset), physical, hostarch.KernelReadWrite); err != nil {
			return nil, err
		}
	}
	m.InvalidateTLB()

	b := buddy.New(fineShift, coarseShift)
	b.AddChunk(base, length)
	return &KernelVirtualMemory{
		lock:  m.NewIrqLock(),
		buddy: b,
	}, nil
}

// Allocate reserves a virtual run of at least length bytes.
func (kvm *KernelVirtualMemory) Allocate(length uint64) (hostarch.VirtualAddr, error) {
	kvm.lock.Lock()
	defer kvm.lock.Unlock()
	addr, err := kvm.buddy.Allocate(length)
	return hostarch.VirtualAddr(addr), err
}

// Free releases a virtual run previously returned by Allocate with the same
// length.
func (kvm *KernelVirtualMemory) Free(addr hostarch.VirtualAddr, length uint64) {
	kvm.lock.Lock()
	defer kvm.lock.Unlock()
	kvm.buddy.Free(uint64(addr), length)
}

// KernelVirtualAlloc backs kernel virtual runs with physical frames. It is
// the allocator behind kernel-owned buffers such as in-flight channel
// messages.
type KernelVirtualAlloc struct {
	m     *platform.Machine
	alloc *pgalloc.ChunkAllocator
	space *paging.PageSpace
	kvm   *KernelVirtualMemory
}

// NewKernelVirtualAlloc returns a heap over kvm mapping through kernelSpace.
func NewKernelVirtualAlloc(m *platform.Machine, alloc *pgalloc.ChunkAllocator, kernelSpace *paging.PageSpace, kvm *KernelVirtualMemory) *KernelVirtualAlloc {
	return &KernelVirtualAlloc{m: m, alloc: alloc, space: kernelSpace, kvm: kvm}
}

// Map reserves a virtual run covering length bytes and backs each page with
// a fresh physical frame, writable by the kernel. On failure, installed
// pages are rolled back.
func (ka *KernelVirtualAlloc) Map(length uint64) (hostarch.VirtualAddr, error) {
	vlen := hostarch.PageRoundUp(length)
	addr, err := ka.kvm.Allocate(vlen)
	if err != nil {
		return 0, err
	}
	for offset := uint64(0); offset < vlen; offset += hostarch.PageSize {
		physical, allocErr := ka.alloc.Allocate(hostarch.PageSize)
		if allocErr == nil {
			allocErr = ka.space.MapSingle4k(addr+hostarch.VirtualAddr(offset), physical, hostarch.KernelReadWrite)
		}
		if allocErr != nil {
			for undo := uint64(0); undo < offset; undo += hostarch.PageSize {
				p := ka.space.UnmapSingle4k(addr + hostarch.VirtualAddr(undo))
				ka.alloc.Free(p, hostarch.PageSize)
			}
			ka.kvm.Free(addr, vlen)
			ka.m.InvalidateTLB()
			return 0, allocErr
		}
	}
	ka.m.InvalidateTLB()
	return addr, nil
}

// Unmap releases a run obtained from Map with the same length, returning its
// frames to the physical allocator.
func (ka *KernelVirtualAlloc) Unmap(addr hostarch.VirtualAddr, length uint64) {
	vlen := hostarch.PageRoundUp(length)
	for offset := uint64(0); offset < vlen; offset += hostarch.PageSize {
		physical := ka.space.UnmapSingle4k(addr + hostarch.VirtualAddr(offset))
		ka.alloc.Free(physical, hostarch.PageSize)
	}
	ka.kvm.Free(addr, vlen)
	ka.m.InvalidateTLB()
}

// Write copies b into heap memory at addr.
func (ka *KernelVirtualAlloc) Write(addr hostarch.VirtualAddr, b []byte) {
	ka.access(addr, b, true)
}

// Read copies heap memory at addr into b.
func (ka *KernelVirtualAlloc) Read(addr hostarch.VirtualAddr, b []byte) {
	ka.access(addr, b, false)
}

func (ka *KernelVirtualAlloc) access(addr hostarch.VirtualAddr, b []byte, write bool) {
	for len(b) > 0 {
		n := hostarch.PageSize - int(addr.PageOffset())
		if n > len(b) {
			n = len(b)
		}
		physical, ok := ka.m.Translate(ka.space.Root(), addr, write, false)
		if !ok {
			panic("memory: kernel heap access to unmapped address")
		}
		if write {
			ka.m.WritePhys(physical, b[:n])
		} else {
			ka.m.ReadPhys(physical, b[:n])
		}
		addr += hostarch.VirtualAddr(n)
		b = b[n:]
	}
}
