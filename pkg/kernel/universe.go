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

	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// DescriptorKind discriminates the capability kinds a Universe can hold.
type DescriptorKind int

const (
	KindMemoryAccess DescriptorKind = 1 + iota
	KindBiDirectionFirst
	KindBiDirectionSecond
	KindServer
	KindClient
	KindEventHub
	KindIrq
	KindIo
	KindThread
)

// AnyDescriptor is a tagged variant over the capability kinds. The
// discriminant never changes after construction; moving a descriptor between
// universes transfers ownership, not identity.
type AnyDescriptor struct {
	kind DescriptorKind

	memory    *Memory
	pipe      *BiDirectionPipe
	server    *Server
	hub       *EventHub
	irqVector int
	ioPorts   []uint64
	thread    *Thread
}

// Kind returns the descriptor's discriminant.
func (d AnyDescriptor) Kind() DescriptorKind {
	return d.kind
}

// NewMemoryAccessDescriptor takes ownership of one reference to memory.
func NewMemoryAccessDescriptor(memory *Memory) AnyDescriptor {
	return AnyDescriptor{kind: KindMemoryAccess, memory: memory}
}

// NewBiDirectionFirstDescriptor takes ownership of one reference to pipe.
// The first endpoint reads from the pipe's first channel and writes to its
// second.
func NewBiDirectionFirstDescriptor(pipe *BiDirectionPipe) AnyDescriptor {
	return AnyDescriptor{kind: KindBiDirectionFirst, pipe: pipe}
}

// NewBiDirectionSecondDescriptor mirrors the first endpoint: it reads from
// the second channel and writes to the first.
func NewBiDirectionSecondDescriptor(pipe *BiDirectionPipe) AnyDescriptor {
	return AnyDescriptor{kind: KindBiDirectionSecond, pipe: pipe}
}

// NewServerDescriptor takes ownership of one reference to server.
func NewServerDescriptor(server *Server) AnyDescriptor {
	return AnyDescriptor{kind: KindServer, server: server}
}

// NewClientDescriptor takes ownership of one reference to server.
func NewClientDescriptor(server *Server) AnyDescriptor {
	return AnyDescriptor{kind: KindClient, server: server}
}

// NewEventHubDescriptor takes ownership of one reference to hub.
func NewEventHubDescriptor(hub *EventHub) AnyDescriptor {
	return AnyDescriptor{kind: KindEventHub, hub: hub}
}

// NewIrqDescriptor grants access to one relay vector.
func NewIrqDescriptor(vector int) AnyDescriptor {
	return AnyDescriptor{kind: KindIrq, irqVector: vector}
}

// NewIoDescriptor grants access to the listed I/O ports.
func NewIoDescriptor(ports []uint64) AnyDescriptor {
	return AnyDescriptor{kind: KindIo, ioPorts: ports}
}

// NewThreadDescriptor names a thread.
func NewThreadDescriptor(thread *Thread) AnyDescriptor {
	return AnyDescriptor{kind: KindThread, thread: thread}
}

func (d AnyDescriptor) mustBe(kind DescriptorKind) {
	if d.kind != kind {
		panic(fmt.Sprintf("kernel: descriptor kind %d accessed as %d", d.kind, kind))
	}
}

// Memory returns the payload of a MemoryAccess descriptor.
func (d AnyDescriptor) Memory() *Memory {
	d.mustBe(KindMemoryAccess)
	return d.memory
}

// Pipe returns the payload of a BiDirection endpoint descriptor.
func (d AnyDescriptor) Pipe() *BiDirectionPipe {
	if d.kind != KindBiDirectionFirst && d.kind != KindBiDirectionSecond {
		panic(fmt.Sprintf("kernel: descriptor kind %d accessed as pipe endpoint", d.kind))
	}
	return d.pipe
}

// Server returns the payload of a Server or Client descriptor.
func (d AnyDescriptor) Server() *Server {
	if d.kind != KindServer && d.kind != KindClient {
		panic(fmt.Sprintf("kernel: descriptor kind %d accessed as server endpoint", d.kind))
	}
	return d.server
}

// Hub returns the payload of an EventHub descriptor.
func (d AnyDescriptor) Hub() *EventHub {
	d.mustBe(KindEventHub)
	return d.hub
}

// IrqVector returns the payload of an Irq descriptor.
func (d AnyDescriptor) IrqVector() int {
	d.mustBe(KindIrq)
	return d.irqVector
}

// IoPorts returns the payload of an Io descriptor.
func (d AnyDescriptor) IoPorts() []uint64 {
	d.mustBe(KindIo)
	return d.ioPorts
}

// Thread returns the payload of a Thread descriptor.
func (d AnyDescriptor) Thread() *Thread {
	d.mustBe(KindThread)
	return d.thread
}

// readChannel returns the channel index a pipe endpoint receives from.
func (d AnyDescriptor) readChannel() int {
	if d.kind == KindBiDirectionFirst {
		return 0
	}
	d.mustBe(KindBiDirectionSecond)
	return 1
}

// writeChannel returns the channel index a pipe endpoint sends to.
func (d AnyDescriptor) writeChannel() int {
	return 1 - d.readChannel()
}

// Universe is a per-process capability table. Handles are process-local,
// start at 1, and are never reissued.
type Universe struct {
	refs refCount

	k *Kernel

	// lock guards descriptors and nextHandle.
	lock *platform.IrqSpinLock

	descriptors map[hel.Handle]AnyDescriptor
	nextHandle  hel.Handle
}

// NewUniverse returns an empty capability table.
func (k *Kernel) NewUniverse() *Universe {
	u := &Universe{
		k:           k,
		lock:        k.machine.NewIrqLock(),
		descriptors: make(map[hel.Handle]AnyDescriptor),
		nextHandle:  1,
	}
	u.refs.init()
	return u
}

// IncRef adds a shared owner.
func (u *Universe) IncRef() {
	u.refs.incRef()
}

// DecRef drops a shared owner, destroying the table and its descriptors
// with the last one.
func (u *Universe) DecRef() {
	if !u.refs.decRef() {
		return
	}
	u.lock.Lock()
	descriptors := u.descriptors
	u.descriptors = nil
	u.lock.Unlock()
	for _, d := range descriptors {
		u.k.dropDescriptor(d)
	}
}

// dropDescriptor releases a descriptor's references to its payload,
// dismissing whatever was pending through it.
func (k *Kernel) dropDescriptor(d AnyDescriptor) {
	switch d.kind {
	case KindMemoryAccess:
		d.memory.DecRef()
	case KindBiDirectionFirst:
		d.pipe.closeEndpoint(0)
		d.pipe.DecRef()
	case KindBiDirectionSecond:
		d.pipe.closeEndpoint(1)
		d.pipe.DecRef()
	case KindServer:
		d.server.closeAccepts()
		d.server.DecRef()
	case KindClient:
		d.server.closeConnects()
		d.server.DecRef()
	case KindEventHub:
		d.hub.DecRef()
	case KindIrq, KindIo, KindThread:
		// Nothing shared to release.
	default:
		panic(fmt.Sprintf("kernel: dropping descriptor of unknown kind %d", d.kind))
	}
}

// Attach inserts a descriptor and returns its new handle.
func (u *Universe) Attach(d AnyDescriptor) hel.Handle {
	u.lock.Lock()
	defer u.lock.Unlock()
	handle := u.nextHandle
	u.nextHandle++
	u.descriptors[handle] = d
	return handle
}

// Get looks up a live handle.
func (u *Universe) Get(handle hel.Handle) (AnyDescriptor, bool) {
	u.lock.Lock()
	defer u.lock.Unlock()
	d, ok := u.descriptors[handle]
	return d, ok
}

// Detach removes and returns a descriptor. The caller takes over the
// descriptor's references.
func (u *Universe) Detach(handle hel.Handle) (AnyDescriptor, bool) {
	u.lock.Lock()
	defer u.lock.Unlock()
	d, ok := u.descriptors[handle]
	if ok {
		delete(u.descriptors, handle)
	}
	return d, ok
}
