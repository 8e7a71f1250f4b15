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

// Package kernel implements the Thor kernel core: capability tables, memory
// objects and address spaces, IPC channels and servers, event hubs, IRQ
// relays, the thread scheduler, and the Hel syscall dispatcher.
//
// Lock order: platform (IRQ mutex) → allocator → universe → channel/server
// → hub → scheduler. Every shared structure has exactly one lock and is
// mutated only under it.
package kernel

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/a-andreyev/managarm/pkg/eir"
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/log"
	"github.com/a-andreyev/managarm/pkg/memory"
	"github.com/a-andreyev/managarm/pkg/memory/paging"
	"github.com/a-andreyev/managarm/pkg/memory/pgalloc"
	"github.com/a-andreyev/managarm/pkg/metric"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// Boot layout constants, per the boot protocol: the init image is an
// ET_DYN-style module loaded at initLoadBase, and init starts with a 2 MiB
// stack.
const (
	initLoadBase  hostarch.VirtualAddr = 0x4000_0000
	initStackSize uint64               = 0x20_0000

	// DefaultTimerInterval is the scheduling tick used when the boot
	// configuration does not override it.
	DefaultTimerInterval = 10 * time.Millisecond
)

var (
	syscallsDone    = metric.MustCreateCounter("thor_syscalls_total", "Syscalls dispatched.")
	contextSwitches = metric.MustCreateCounter("thor_context_switches_total", "Address space switches performed.")
	irqsFired       = metric.MustCreateCounter("thor_irqs_fired_total", "Interrupts delivered to relays.")
	threadsCreated  = metric.MustCreateCounter("thor_threads_created_total", "Threads ever created.")
)

// Kernel ties the kernel core's singletons together: the physical
// allocator, the kernel page space and heap, the IRQ relays, and the
// scheduler state. It is created once at boot and never destroyed.
type Kernel struct {
	machine  *platform.Machine
	physical *pgalloc.ChunkAllocator

	kernelSpace *paging.PageSpace
	kernelVM    *memory.KernelVirtualMemory
	heap        *memory.KernelVirtualAlloc

	relays [platform.NumVectors]*IrqRelay

	// schedLock guards readyQueue, current, thread states, threads,
	// liveThreads and nextThreadID. It is the innermost lock.
	schedLock    *platform.IrqSpinLock
	readyQueue   []*Thread
	current      *Thread
	threads      map[int64]*Thread
	liveThreads  int
	nextThreadID int64

	nextAsyncID atomic.Int64

	timerInterval time.Duration
	panicked      atomic.Bool
}

// Options tunes kernel construction.
type Options struct {
	// TimerInterval is the preemption tick. Zero selects the default.
	TimerInterval time.Duration
}

// New initializes the kernel over the machine and the bootstrap region
// described by info: the physical allocator, the kernel page space with its
// provisioned kernel half, and the kernel heap.
func New(m *platform.Machine, info *eir.Info, opts Options) (*Kernel, error) {
	log.Infof("Starting Thor")
	log.Infof("Bootstrap memory at %#x, length: %d KiB", info.BootstrapPhysical, info.BootstrapLength/1024)

	k := &Kernel{
		machine:   m,
		schedLock: m.NewIrqLock(),
		threads:   make(map[int64]*Thread),
	}
	k.physical = pgalloc.New(m, info.BootstrapPhysical, info.BootstrapLength)

	kernelSpace, err := paging.New(m, k.physical)
	if err != nil {
		return nil, err
	}
	if err := kernelSpace.ProvisionKernelHalf(memory.KernelVirtualBase, memory.KernelVirtualSize); err != nil {
		return nil, err
	}
	k.kernelSpace = kernelSpace

	kvm, err := memory.NewKernelVirtualMemory(m, k.physical, kernelSpace)
	if err != nil {
		return nil, err
	}
	k.kernelVM = kvm
	k.heap = memory.NewKernelVirtualAlloc(m, k.physical, kernelSpace, kvm)

	for i := range k.relays {
		k.relays[i] = newIrqRelay(k)
	}

	k.timerInterval = opts.TimerInterval
	if k.timerInterval == 0 {
		k.timerInterval = DefaultTimerInterval
	}
	return k, nil
}

// Machine returns the underlying machine.
func (k *Kernel) Machine() *platform.Machine {
	return k.machine
}

// AllocAsyncID returns a fresh async id. Ids are globally unique, strictly
// increasing, and never reused within a boot.
func (k *Kernel) AllocAsyncID() int64 {
	return k.nextAsyncID.Add(1)
}

// IrqRelay returns the relay for a vector.
func (k *Kernel) IrqRelay(vector int) *IrqRelay {
	return k.relays[vector]
}

// Boot loads the initial modules and creates the init thread, following the
// boot protocol: module 0 is the init image, loaded at initLoadBase with a
// fresh 2 MiB stack; module 1 is handed to init as a MemoryAccess handle.
func (k *Kernel) Boot(info *eir.Info) error {
	if len(info.Modules) < 2 {
		return fmt.Errorf("kernel: boot requires 2 modules, have %d", len(info.Modules))
	}

	userSpace, err := k.kernelSpace.Clone()
	if err != nil {
		return err
	}

	universe := k.NewUniverse()
	space := k.NewAddressSpace(userSpace)

	entry, err := k.loadInitImage(space, &info.Modules[0])
	if err != nil {
		return err
	}
	k.machine.InvalidateTLB()

	// Allocate and map memory for the user stack.
	stackMemory := k.NewMemory()
	if err := stackMemory.Resize(initStackSize); err != nil {
		return err
	}
	stackMapping, err := space.Allocate(initStackSize)
	if err != nil {
		return err
	}
	for i := uint64(0); i < initStackSize/hostarch.PageSize; i++ {
		if err := space.MapSingle4k(stackMapping.Base+hostarch.VirtualAddr(i*hostarch.PageSize), stackMemory.GetPage(i)); err != nil {
			return err
		}
	}
	space.Install(stackMapping, stackMemory)
	k.machine.InvalidateTLB()

	programMemory := k.NewMemory()
	for offset := uint64(0); offset < info.Modules[1].Length; offset += hostarch.PageSize {
		programMemory.AddPage(info.Modules[1].PhysicalBase + hostarch.PhysicalAddr(offset))
	}
	programHandle := universe.Attach(NewMemoryAccessDescriptor(programMemory))

	stackTop := stackMapping.Base + hostarch.VirtualAddr(initStackSize)
	thread := k.NewThread(universe, space, entry, uint64(programHandle), stackTop)
	k.Enqueue(thread)
	return nil
}

// loadInitImage maps module 0 at initLoadBase: a fresh Memory sized to the
// image, zero-filled, with the module payload copied in. It returns the
// entry address.
func (k *Kernel) loadInitImage(space *AddressSpace, module *eir.Module) (hostarch.VirtualAddr, error) {
	size := hostarch.PageRoundUp(module.Length)
	if size == 0 {
		size = hostarch.PageSize
	}
	mapping, err := space.AllocateAt(initLoadBase, size)
	if err != nil {
		return 0, err
	}
	imageMemory := k.NewMemory()
	if err := imageMemory.Resize(size); err != nil {
		return 0, err
	}
	for offset := uint64(0); offset < module.Length; offset += hostarch.PageSize {
		n := module.Length - offset
		if n > hostarch.PageSize {
			n = hostarch.PageSize
		}
		frame := k.machine.Frame(imageMemory.GetPage(offset / hostarch.PageSize))
		k.machine.ReadPhys(module.PhysicalBase+hostarch.PhysicalAddr(offset), frame[:n])
	}
	for page := uint64(0); page < size/hostarch.PageSize; page++ {
		if err := space.MapSingle4k(initLoadBase+hostarch.VirtualAddr(page*hostarch.PageSize), imageMemory.GetPage(page)); err != nil {
			return 0, err
		}
	}
	space.Install(mapping, imageMemory)
	return initLoadBase + hostarch.VirtualAddr(module.EntryOffset), nil
}

// Run drives the CPU until every thread has exited or the machine stops.
// It is the schedule() loop: deliver pending interrupts, keep the current
// thread while it is Running, otherwise dispatch the head of the ready
// queue, and halt when nothing is runnable.
func (k *Kernel) Run() {
	k.machine.StartTimer(k.timerInterval)
	defer func() {
		k.machine.Stop()
		// Unwind any user goroutines still parked in a trap.
		k.schedLock.Lock()
		remaining := make([]*Thread, 0, len(k.threads))
		for _, t := range k.threads {
			remaining = append(remaining, t)
		}
		k.schedLock.Unlock()
		for _, t := range remaining {
			t.ctx.Release()
		}
	}()

	for {
		if k.machine.Stopped() {
			return
		}
		if vector, ok := k.machine.TakeIrq(); ok {
			k.handleIrq(vector)
			continue
		}
		t := k.pickThread()
		if t == nil {
			if k.liveCount() == 0 {
				return
			}
			k.machine.WaitEvent()
			continue
		}
		if k.machine.ReadCR3() != t.space.PageRoot() {
			t.space.SwitchTo()
			contextSwitches.Increment()
		}
		trap := k.machine.Switch(t.ctx)
		switch trap.Kind {
		case platform.TrapSyscall:
			k.syscall(t, &trap)
		case platform.TrapIrq:
			k.handleIrq(trap.Vector)
		case platform.TrapFault:
			log.Warningf("User page fault at %#x (write=%t), thread %d", trap.Addr, trap.Write, t.id)
			k.exitThread(t)
		case platform.TrapExit:
			k.exitThread(t)
		default:
			k.panic("unknown trap kind %d", trap.Kind)
			return
		}
	}
}

// handleIrq acknowledges an interrupt and fires its relay. The timer
// vector additionally preempts the running thread.
func (k *Kernel) handleIrq(vector int) {
	irqsFired.Increment()
	k.relays[vector].Fire()
	if vector == platform.TimerVector {
		k.preempt()
	}
}

// panic logs diagnostics and halts the machine. Kernel invariants are
// checked with Go panics; this path is for fatal conditions reached from
// user-originated requests that the kernel must not survive.
func (k *Kernel) panic(format string, args ...any) {
	k.panicked.Store(true)
	log.Panicf(format, args...)
	k.machine.Stop()
}

// Panicked reports whether the kernel hit a fatal condition.
func (k *Kernel) Panicked() bool {
	return k.panicked.Load()
}
