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
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// ThreadState is a thread's scheduling state. Transitions happen only in
// the scheduler and the blocking primitives, under the scheduler lock.
type ThreadState int

const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadExited
)

// Thread is a schedulable entity: saved register state plus shared
// references to a Universe and an AddressSpace.
type Thread struct {
	id int64

	universe *Universe
	space    *AddressSpace
	ctx      *platform.Context

	// state is guarded by the scheduler lock.
	state ThreadState

	// enabledPorts are the I/O ports EnableIo granted to this thread.
	enabledPorts map[uint64]struct{}
}

// NewThread creates a thread at the given entry with the given argument and
// stack top, taking ownership of one reference each to universe and space.
// The thread starts out Ready but unqueued.
func (k *Kernel) NewThread(universe *Universe, space *AddressSpace, entry hostarch.VirtualAddr, argument uint64, stack hostarch.VirtualAddr) *Thread {
	t := &Thread{
		universe: universe,
		space:    space,
		ctx:      k.machine.NewContext(),
	}
	t.ctx.Frame = platform.TrapFrame{IP: entry, SP: stack, Arg: argument}

	k.schedLock.Lock()
	k.nextThreadID++
	t.id = k.nextThreadID
	k.threads[t.id] = t
	k.liveThreads++
	k.schedLock.Unlock()

	threadsCreated.Increment()
	return t
}

// ID returns the thread's kernel-wide id.
func (t *Thread) ID() int64 {
	return t.id
}

// Universe returns the thread's capability table.
func (t *Thread) Universe() *Universe {
	return t.universe
}

// AddressSpace returns the thread's address space.
func (t *Thread) AddressSpace() *AddressSpace {
	return t.space
}

// setResults stores the result words a blocked syscall returns on resume.
func (t *Thread) setResults(r0, r1, r2 uint64) {
	t.ctx.Frame.Results = [3]uint64{r0, r1, r2}
}

// enableIo grants the thread access to the listed ports.
func (t *Thread) enableIo(ports []uint64) {
	if t.enabledPorts == nil {
		t.enabledPorts = make(map[uint64]struct{})
	}
	for _, port := range ports {
		t.enabledPorts[port] = struct{}{}
	}
}

// Enqueue appends t to the ready queue.
func (k *Kernel) Enqueue(t *Thread) {
	k.schedLock.Lock()
	t.state = ThreadReady
	k.readyQueue = append(k.readyQueue, t)
	k.schedLock.Unlock()
	k.machine.Wakeup()
}

// block marks the current thread Blocked; the run loop will not pick it
// again until ready is called.
func (k *Kernel) block(t *Thread) {
	k.schedLock.Lock()
	t.state = ThreadBlocked
	k.schedLock.Unlock()
}

// ready wakes a blocked thread. Waking a thread that is not blocked is a
// kernel bug.
func (k *Kernel) ready(t *Thread) {
	k.schedLock.Lock()
	if t.state != ThreadBlocked {
		k.schedLock.Unlock()
		panic("kernel: ready on a thread that is not blocked")
	}
	t.state = ThreadReady
	k.readyQueue = append(k.readyQueue, t)
	k.schedLock.Unlock()
	k.machine.Wakeup()
}

// exitThread removes t from scheduling and drops its references. The
// thread's user goroutine unwinds.
func (k *Kernel) exitThread(t *Thread) {
	k.schedLock.Lock()
	t.state = ThreadExited
	if k.current == t {
		k.current = nil
	}
	delete(k.threads, t.id)
	k.liveThreads--
	k.schedLock.Unlock()

	t.ctx.Release()
	t.universe.DecRef()
	t.space.DecRef()
}

// pickThread implements the dispatch rule: keep the current thread while it
// is still Running, otherwise pop the head of the ready queue. It returns
// nil when nothing is runnable.
func (k *Kernel) pickThread() *Thread {
	k.schedLock.Lock()
	defer k.schedLock.Unlock()
	if k.current != nil && k.current.state == ThreadRunning {
		return k.current
	}
	if len(k.readyQueue) == 0 {
		k.current = nil
		return nil
	}
	t := k.readyQueue[0]
	k.readyQueue = k.readyQueue[1:]
	t.state = ThreadRunning
	k.current = t
	return t
}

// preempt puts the running thread back on the ready queue.
func (k *Kernel) preempt() {
	k.schedLock.Lock()
	if k.current != nil && k.current.state == ThreadRunning {
		k.current.state = ThreadReady
		k.readyQueue = append(k.readyQueue, k.current)
		k.current = nil
	}
	k.schedLock.Unlock()
}

// liveCount returns the number of threads that have not exited.
func (k *Kernel) liveCount() int {
	k.schedLock.Lock()
	defer k.schedLock.Unlock()
	return k.liveThreads
}
