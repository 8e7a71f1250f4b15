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

// Package platform implements the machine the kernel runs on.
//
// The machine is simulated: a flat physical memory slab, a single CPU, an
// interrupt controller with vectors 0..255, a periodic timer wired to vector
// 0, and an MMU that walks 4-level page tables stored in physical frames.
// User threads are execution contexts backed by goroutines; they can only
// touch machine state through explicit operations (loads and stores through
// the MMU, syscalls), and every such operation is an instruction boundary at
// which pending interrupts are delivered.
//
// Lock order: the IRQ mutex is outermost; it is raised before any spinlock
// that an interrupt path may contend on (see IrqSpinLock).
package platform

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/a-andreyev/managarm/pkg/hostarch"
)

// TimerVector is the interrupt vector of the periodic timer.
const TimerVector = 0

// NumVectors is the number of interrupt vectors the controller exposes.
const NumVectors = 256

// Page table entry bits. The MMU and the paging layer share this format.
const (
	EntryPresent  uint64 = 1 << 0
	EntryWritable uint64 = 1 << 1
	EntryUser     uint64 = 1 << 2

	// EntryAddrMask extracts the physical frame from an entry.
	EntryAddrMask uint64 = 0x000f_ffff_ffff_f000
)

// Options configures a new Machine.
type Options struct {
	// MemoryBytes is the size of the physical memory slab. It is rounded up
	// to a whole number of pages.
	MemoryBytes uint64

	// Clock drives the timer and all kernel deadlines. Defaults to the real
	// clock; tests inject a mock.
	Clock clock.Clock
}

// Machine is the simulated hardware.
type Machine struct {
	mem []byte
	clk clock.Clock

	// irqMutex is the CPU's interrupt mask.
	irqMutex IrqMutex

	// irqMu guards pending and wake signaling.
	irqMu   sync.Mutex
	pending [NumVectors / 64]uint64

	// wake is signaled on every interrupt injection and explicit wakeup; the
	// halt loop blocks on it.
	wake chan struct{}

	// cr3 is the active page table root. Only the CPU goroutine writes it;
	// user goroutines read it after the resume handshake.
	cr3 hostarch.PhysicalAddr

	tlbMu sync.Mutex
	tlb   map[tlbKey]uint64

	progMu   sync.Mutex
	programs map[hostarch.VirtualAddr]Program

	timerStop chan struct{}
	stopped   atomic.Bool
}

type tlbKey struct {
	root hostarch.PhysicalAddr
	vpn  uint64
}

// NewMachine constructs a machine with zeroed physical memory.
func NewMachine(opts Options) *Machine {
	size := hostarch.PageRoundUp(opts.MemoryBytes)
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		mem:      make([]byte, size),
		clk:      clk,
		wake:     make(chan struct{}, 1),
		tlb:      make(map[tlbKey]uint64),
		programs: make(map[hostarch.VirtualAddr]Program),
	}
}

// MemorySize returns the size of physical memory in bytes.
func (m *Machine) MemorySize() uint64 {
	return uint64(len(m.mem))
}

// Clock returns the machine's clock.
func (m *Machine) Clock() clock.Clock {
	return m.clk
}

// IrqMutex returns the CPU's interrupt mask.
func (m *Machine) IrqMutex() *IrqMutex {
	return &m.irqMutex
}

// NewIrqLock returns a spinlock wrapped by this CPU's interrupt mask.
func (m *Machine) NewIrqLock() *IrqSpinLock {
	return &IrqSpinLock{irq: &m.irqMutex}
}

// Frame returns the 4 KiB frame at addr as a direct-map slice.
//
// A non-aligned or out-of-range address is a kernel bug and panics.
func (m *Machine) Frame(addr hostarch.PhysicalAddr) []byte {
	if !addr.IsPageAligned() || uint64(addr)+hostarch.PageSize > uint64(len(m.mem)) {
		panic(fmt.Sprintf("platform: bad physical frame %#x", addr))
	}
	return m.mem[addr : addr+hostarch.PageSize]
}

// ReadPhys copies from physical memory at addr into b. The range must not
// cross the end of physical memory.
func (m *Machine) ReadPhys(addr hostarch.PhysicalAddr, b []byte) {
	if uint64(addr)+uint64(len(b)) > uint64(len(m.mem)) {
		panic(fmt.Sprintf("platform: physical read [%#x, +%#x) out of range", addr, len(b)))
	}
	copy(b, m.mem[addr:])
}

// WritePhys copies b into physical memory at addr.
func (m *Machine) WritePhys(addr hostarch.PhysicalAddr, b []byte) {
	if uint64(addr)+uint64(len(b)) > uint64(len(m.mem)) {
		panic(fmt.Sprintf("platform: physical write [%#x, +%#x) out of range", addr, len(b)))
	}
	copy(m.mem[addr:], b)
}

// ReadPhys64 reads a 64-bit word from physical memory.
func (m *Machine) ReadPhys64(addr hostarch.PhysicalAddr) uint64 {
	var b [8]byte
	m.ReadPhys(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// WritePhys64 writes a 64-bit word to physical memory.
func (m *Machine) WritePhys64(addr hostarch.PhysicalAddr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.WritePhys(addr, b[:])
}

// ReadCR3 returns the active page table root.
func (m *Machine) ReadCR3() hostarch.PhysicalAddr {
	return m.cr3
}

// SwitchSpace loads root as the active page table root and flushes the TLB.
func (m *Machine) SwitchSpace(root hostarch.PhysicalAddr) {
	m.cr3 = root
	m.InvalidateTLB()
}

// InvalidateTLB flushes all cached translations.
func (m *Machine) InvalidateTLB() {
	m.tlbMu.Lock()
	defer m.tlbMu.Unlock()
	clear(m.tlb)
}

// InvalidatePage flushes cached translations for the page containing v, in
// every page space.
func (m *Machine) InvalidatePage(v hostarch.VirtualAddr) {
	vpn := uint64(v) >> hostarch.PageShift
	m.tlbMu.Lock()
	defer m.tlbMu.Unlock()
	for k := range m.tlb {
		if k.vpn == vpn {
			delete(m.tlb, k)
		}
	}
}

// Translate walks the page tables rooted at root for v. user selects a
// user-mode access, which additionally requires the user bit on the leaf.
// It returns the backing physical address of the byte at v.
func (m *Machine) Translate(root hostarch.PhysicalAddr, v hostarch.VirtualAddr, write, user bool) (hostarch.PhysicalAddr, bool) {
	vpn := uint64(v) >> hostarch.PageShift
	key := tlbKey{root: root, vpn: vpn}

	m.tlbMu.Lock()
	pte, ok := m.tlb[key]
	m.tlbMu.Unlock()

	if !ok {
		pte, ok = m.walk(root, v)
		if !ok {
			return 0, false
		}
		m.tlbMu.Lock()
		m.tlb[key] = pte
		m.tlbMu.Unlock()
	}
	if write && pte&EntryWritable == 0 {
		return 0, false
	}
	if user && pte&EntryUser == 0 {
		return 0, false
	}
	return hostarch.PhysicalAddr(pte&EntryAddrMask) + hostarch.PhysicalAddr(v.PageOffset()), true
}

// walk performs the 4-level table walk and returns the leaf entry.
func (m *Machine) walk(root hostarch.PhysicalAddr, v hostarch.VirtualAddr) (uint64, bool) {
	table := root
	for level := 3; level > 0; level-- {
		idx := (uint64(v) >> (hostarch.PageShift + 9*level)) & 511
		entry := m.ReadPhys64(table + hostarch.PhysicalAddr(idx*8))
		if entry&EntryPresent == 0 {
			return 0, false
		}
		table = hostarch.PhysicalAddr(entry & EntryAddrMask)
	}
	idx := (uint64(v) >> hostarch.PageShift) & 511
	entry := m.ReadPhys64(table + hostarch.PhysicalAddr(idx*8))
	if entry&EntryPresent == 0 {
		return 0, false
	}
	return entry, true
}

// InjectIrq raises the given interrupt line. It may be called from any
// goroutine; device models and tests use it directly.
func (m *Machine) InjectIrq(vector int) {
	if vector < 0 || vector >= NumVectors {
		panic(fmt.Sprintf("platform: bad interrupt vector %d", vector))
	}
	m.irqMu.Lock()
	m.pending[vector/64] |= 1 << (vector % 64)
	m.irqMu.Unlock()
	m.Wakeup()
}

// TakeIrq acknowledges and returns the lowest pending vector. It returns
// false when no interrupt is pending or interrupts are masked.
func (m *Machine) TakeIrq() (int, bool) {
	if m.irqMutex.Held() {
		return 0, false
	}
	m.irqMu.Lock()
	defer m.irqMu.Unlock()
	for i, w := range m.pending {
		if w != 0 {
			bit := bits.TrailingZeros64(w)
			m.pending[i] &^= 1 << bit
			return i*64 + bit, true
		}
	}
	return 0, false
}

// Wakeup breaks a concurrent WaitEvent. Signals coalesce.
func (m *Machine) Wakeup() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WaitEvent halts the CPU until an interrupt is injected or Wakeup is
// called. The caller re-checks its run queue and pending interrupts after it
// returns.
func (m *Machine) WaitEvent() {
	<-m.wake
}

// StartTimer starts the periodic timer on vector 0.
func (m *Machine) StartTimer(interval time.Duration) {
	if m.timerStop != nil {
		return
	}
	stop := make(chan struct{})
	m.timerStop = stop
	ticker := m.clk.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.InjectIrq(TimerVector)
			case <-stop:
				return
			}
		}
	}()
}

// Stop stops the timer and marks the machine halted.
func (m *Machine) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	if m.timerStop != nil {
		close(m.timerStop)
		m.timerStop = nil
	}
	m.Wakeup()
}

// Stopped reports whether Stop has been called.
func (m *Machine) Stopped() bool {
	return m.stopped.Load()
}
