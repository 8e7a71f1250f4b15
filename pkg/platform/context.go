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

package platform

import (
	"encoding/binary"

	"github.com/a-andreyev/managarm/pkg/hostarch"
)

// Program is user code loaded at some entry address. It stands in for a
// loaded executable image: jumping to a registered entry runs the function;
// jumping anywhere else is a fault.
type Program func(u *UserContext)

// RegisterProgram loads user code at the given entry address.
func (m *Machine) RegisterProgram(entry hostarch.VirtualAddr, p Program) {
	m.progMu.Lock()
	defer m.progMu.Unlock()
	m.programs[entry] = p
}

func (m *Machine) lookupProgram(entry hostarch.VirtualAddr) Program {
	m.progMu.Lock()
	defer m.progMu.Unlock()
	return m.programs[entry]
}

// TrapKind discriminates the reasons a context traps back into the kernel.
type TrapKind int

const (
	// TrapSyscall is an explicit kernel call.
	TrapSyscall TrapKind = 1 + iota

	// TrapIrq is an interrupt taken at an instruction boundary.
	TrapIrq

	// TrapFault is a user access the MMU refused, or a jump to an
	// unregistered entry address.
	TrapFault

	// TrapExit means the entry function returned.
	TrapExit
)

// Trap describes why a Switch returned.
type Trap struct {
	Kind TrapKind

	// Vector is the interrupt vector, for TrapIrq.
	Vector int

	// Num and Args carry the syscall index and arguments, for TrapSyscall.
	Num  uint64
	Args [9]uint64

	// Addr is the faulting address and Write the faulting access type, for
	// TrapFault.
	Addr  hostarch.VirtualAddr
	Write bool
}

// TrapFrame is a thread's saved register state.
type TrapFrame struct {
	// IP is the instruction pointer; for a fresh thread, its entry address.
	IP hostarch.VirtualAddr

	// SP is the stack pointer.
	SP hostarch.VirtualAddr

	// Arg is the first argument register.
	Arg uint64

	// Results are the return words of the trap being resumed. The kernel
	// fills them before the next Switch.
	Results [3]uint64
}

// Context is the execution state of one user thread.
type Context struct {
	m *Machine

	// Frame is the saved register state. The kernel owns it while the
	// context is suspended.
	Frame TrapFrame

	traps    chan Trap
	resume   chan struct{}
	started  bool
	released bool
}

// NewContext returns a fresh, not yet started context.
func (m *Machine) NewContext() *Context {
	return &Context{
		m:      m,
		traps:  make(chan Trap),
		resume: make(chan struct{}),
	}
}

// threadReleased unwinds a user goroutine whose context was released.
type threadReleased struct{}

// Switch resumes the context in the active page space and blocks until it
// traps. A pending interrupt is taken before any user instruction runs.
func (m *Machine) Switch(c *Context) Trap {
	if v, ok := m.TakeIrq(); ok {
		return Trap{Kind: TrapIrq, Vector: v}
	}
	if !c.started {
		prog := m.lookupProgram(c.Frame.IP)
		if prog == nil {
			return Trap{Kind: TrapFault, Addr: c.Frame.IP}
		}
		c.started = true
		go c.run(prog)
		return <-c.traps
	}
	c.resume <- struct{}{}
	return <-c.traps
}

// Release tears the context down. A goroutine parked in a trap unwinds; the
// context must not be switched to again.
func (c *Context) Release() {
	if c.released {
		return
	}
	c.released = true
	if c.started {
		close(c.resume)
	}
}

func (c *Context) run(prog Program) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(threadReleased); ok {
				return
			}
			panic(r)
		}
	}()
	u := &UserContext{ctx: c, m: c.m}
	prog(u)
	// Entry functions do not return; report the stray return as an exit.
	u.trap(Trap{Kind: TrapExit})
}

// UserContext is the machine as seen from user mode: syscalls and MMU
// mediated memory accesses. Every operation is an instruction boundary.
type UserContext struct {
	ctx *Context
	m   *Machine
}

// trap suspends the thread with t and blocks until the kernel resumes it.
func (u *UserContext) trap(t Trap) {
	c := u.ctx
	c.traps <- t
	if _, ok := <-c.resume; !ok {
		panic(threadReleased{})
	}
}

// checkpoint delivers pending interrupts at an instruction boundary.
func (u *UserContext) checkpoint() {
	for {
		v, ok := u.m.TakeIrq()
		if !ok {
			return
		}
		u.trap(Trap{Kind: TrapIrq, Vector: v})
	}
}

// Arg returns the thread's first argument register.
func (u *UserContext) Arg() uint64 {
	return u.ctx.Frame.Arg
}

// SP returns the thread's stack pointer.
func (u *UserContext) SP() hostarch.VirtualAddr {
	return u.ctx.Frame.SP
}

// Syscall traps into the kernel and returns up to three result words.
func (u *UserContext) Syscall(num uint64, args ...uint64) (uint64, uint64, uint64) {
	u.checkpoint()
	t := Trap{Kind: TrapSyscall, Num: num}
	copy(t.Args[:], args)
	u.trap(t)
	r := u.ctx.Frame.Results
	return r[0], r[1], r[2]
}

// fault raises a page fault at addr. The kernel kills faulting threads, so
// this does not return.
func (u *UserContext) fault(addr hostarch.VirtualAddr, write bool) {
	for {
		u.trap(Trap{Kind: TrapFault, Addr: addr, Write: write})
	}
}

// ReadBytes reads len(b) bytes of user memory at addr through the MMU.
func (u *UserContext) ReadBytes(addr hostarch.VirtualAddr, b []byte) {
	u.access(addr, b, false)
}

// WriteBytes writes b to user memory at addr through the MMU.
func (u *UserContext) WriteBytes(addr hostarch.VirtualAddr, b []byte) {
	u.access(addr, b, true)
}

func (u *UserContext) access(addr hostarch.VirtualAddr, b []byte, write bool) {
	u.checkpoint()
	for len(b) > 0 {
		n := hostarch.PageSize - int(addr.PageOffset())
		if n > len(b) {
			n = len(b)
		}
		phys, ok := u.m.Translate(u.m.ReadCR3(), addr, write, true)
		if !ok {
			u.fault(addr, write)
		}
		if write {
			u.m.WritePhys(phys, b[:n])
		} else {
			u.m.ReadPhys(phys, b[:n])
		}
		addr += hostarch.VirtualAddr(n)
		b = b[n:]
	}
}

// Load64 reads a 64-bit word of user memory.
func (u *UserContext) Load64(addr hostarch.VirtualAddr) uint64 {
	var b [8]byte
	u.ReadBytes(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Store64 writes a 64-bit word of user memory.
func (u *UserContext) Store64(addr hostarch.VirtualAddr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	u.WriteBytes(addr, b[:])
}
