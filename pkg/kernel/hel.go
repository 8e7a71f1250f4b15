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
	"encoding/binary"

	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/log"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// maxLogLength caps a single helLog write.
const maxLogLength = 4096

// maxIoPorts caps the port list of helAccessIo.
const maxIoPorts = 1024

// syscallFn implements one Hel call. It returns up to three result words;
// blocked means the thread suspended (or exited) and the results must not
// be written.
type syscallFn func(k *Kernel, t *Thread, args *[9]uint64) (res [3]uint64, blocked bool)

// helTable maps syscall numbers to their implementations. Unknown indices
// are fatal.
var helTable = map[uint64]syscallFn{
	hel.CallLog:                   helLog,
	hel.CallPanic:                 helPanic,
	hel.CallCloseDescriptor:       helCloseDescriptor,
	hel.CallAllocateMemory:        helAllocateMemory,
	hel.CallMapMemory:             helMapMemory,
	hel.CallMemoryInfo:            helMemoryInfo,
	hel.CallCreateThread:          helCreateThread,
	hel.CallExitThisThread:        helExitThisThread,
	hel.CallCreateEventHub:        helCreateEventHub,
	hel.CallWaitForEvents:         helWaitForEvents,
	hel.CallCreateBiDirectionPipe: helCreateBiDirectionPipe,
	hel.CallSendString:            helSendString,
	hel.CallSubmitRecvString:      helSubmitRecvString,
	hel.CallCreateServer:          helCreateServer,
	hel.CallSubmitAccept:          helSubmitAccept,
	hel.CallSubmitConnect:         helSubmitConnect,
	hel.CallAccessIrq:             helAccessIrq,
	hel.CallSubmitWaitForIrq:      helSubmitWaitForIrq,
	hel.CallAccessIo:              helAccessIo,
	hel.CallEnableIo:              helEnableIo,
}

// syscall dispatches a trap to its implementation and stores the result
// words for the next trap return.
func (k *Kernel) syscall(t *Thread, trap *platform.Trap) {
	syscallsDone.Increment()
	fn, ok := helTable[trap.Num]
	if !ok {
		k.panic("illegal syscall %d", trap.Num)
		return
	}
	res, blocked := fn(k, t, &trap.Args)
	if !blocked {
		t.ctx.Frame.Results = res
	}
}

func errOnly(err error) ([3]uint64, bool) {
	return [3]uint64{hel.CodeOf(err)}, false
}

func okHandle(handle hel.Handle) ([3]uint64, bool) {
	return [3]uint64{hel.ErrnoOk, uint64(handle)}, false
}

// submitInfo builds the completion correlation record. A zero async id is
// replaced with a fresh one.
func (k *Kernel) submitInfo(asyncID int64, function, object uint64) SubmitInfo {
	if asyncID == 0 {
		asyncID = k.AllocAsyncID()
	}
	return SubmitInfo{AsyncID: asyncID, Function: function, Object: object}
}

// resolveHub resolves a handle that must name an event hub.
func resolveHub(t *Thread, handle hel.Handle) (*EventHub, error) {
	d, ok := t.universe.Get(handle)
	if !ok {
		return nil, hel.ErrIllegalHandle
	}
	if d.Kind() != KindEventHub {
		return nil, hel.ErrBadDescriptor
	}
	return d.Hub(), nil
}

func helLog(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	length := args[1]
	if length > maxLogLength {
		length = maxLogLength
	}
	buf := make([]byte, length)
	if err := k.copyIn(t.space, hostarch.VirtualAddr(args[0]), buf); err != nil {
		return errOnly(err)
	}
	log.Infof("%s", buf)
	return errOnly(nil)
}

func helPanic(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	length := args[1]
	if length > maxLogLength {
		length = maxLogLength
	}
	buf := make([]byte, length)
	if err := k.copyIn(t.space, hostarch.VirtualAddr(args[0]), buf); err == nil {
		k.panic("user panic: %s", buf)
	} else {
		k.panic("user panic with unreadable message")
	}
	return [3]uint64{}, true
}

func helCloseDescriptor(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Detach(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	k.dropDescriptor(d)
	return errOnly(nil)
}

func helAllocateMemory(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	memory := k.NewMemory()
	if err := memory.Resize(args[0]); err != nil {
		memory.DecRef()
		return errOnly(err)
	}
	return okHandle(t.universe.Attach(NewMemoryAccessDescriptor(memory)))
}

func helMapMemory(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindMemoryAccess {
		return errOnly(hel.ErrBadDescriptor)
	}
	memory := d.Memory()

	addr := hostarch.VirtualAddr(args[1])
	size := hostarch.PageRoundUp(args[2])
	if size == 0 || size > memory.Length() {
		return errOnly(hel.ErrBufferTooSmall)
	}

	var mapping *Mapping
	var err error
	if addr == 0 {
		mapping, err = t.space.Allocate(size)
	} else {
		mapping, err = t.space.AllocateAt(addr, size)
	}
	if err != nil {
		return errOnly(err)
	}

	for page := uint64(0); page < size/hostarch.PageSize; page++ {
		if mapErr := t.space.MapSingle4k(mapping.Base+hostarch.VirtualAddr(page*hostarch.PageSize), memory.GetPage(page)); mapErr != nil {
			// Roll back the partial installation.
			for undo := uint64(0); undo < page; undo++ {
				t.space.UnmapSingle4k(mapping.Base + hostarch.VirtualAddr(undo*hostarch.PageSize))
			}
			t.space.Remove(mapping)
			k.machine.InvalidateTLB()
			return errOnly(mapErr)
		}
	}
	memory.IncRef()
	t.space.Install(mapping, memory)
	k.machine.InvalidateTLB()
	return [3]uint64{hel.ErrnoOk, uint64(mapping.Base)}, false
}

func helMemoryInfo(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindMemoryAccess {
		return errOnly(hel.ErrBadDescriptor)
	}
	return [3]uint64{hel.ErrnoOk, d.Memory().Length()}, false
}

func helCreateThread(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	t.universe.IncRef()
	t.space.IncRef()
	thread := k.NewThread(t.universe, t.space, hostarch.VirtualAddr(args[0]), args[1], hostarch.VirtualAddr(args[2]))
	k.Enqueue(thread)
	return okHandle(t.universe.Attach(NewThreadDescriptor(thread)))
}

func helExitThisThread(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	k.exitThread(t)
	return [3]uint64{}, true
}

func helCreateEventHub(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	return okHandle(t.universe.Attach(NewEventHubDescriptor(k.NewEventHub())))
}

func helWaitForEvents(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	hub, err := resolveHub(t, hel.Handle(args[0]))
	if err != nil {
		return errOnly(err)
	}
	count, blocked, err := hub.WaitForEvents(t, hostarch.VirtualAddr(args[1]), args[2], int64(args[3]))
	if blocked {
		return [3]uint64{}, true
	}
	return [3]uint64{hel.CodeOf(err), count}, false
}

func helCreateBiDirectionPipe(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	pipe := k.NewBiDirectionPipe()
	pipe.IncRef()
	first := t.universe.Attach(NewBiDirectionFirstDescriptor(pipe))
	second := t.universe.Attach(NewBiDirectionSecondDescriptor(pipe))
	return [3]uint64{hel.ErrnoOk, uint64(first), uint64(second)}, false
}

func helSendString(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindBiDirectionFirst && d.Kind() != KindBiDirectionSecond {
		return errOnly(hel.ErrBadDescriptor)
	}
	err := d.Pipe().SendString(t, d.writeChannel(),
		hostarch.VirtualAddr(args[1]), args[2], int64(args[3]), int64(args[4]))
	return errOnly(err)
}

func helSubmitRecvString(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindBiDirectionFirst && d.Kind() != KindBiDirectionSecond {
		return errOnly(hel.ErrBadDescriptor)
	}
	hub, err := resolveHub(t, hel.Handle(args[1]))
	if err != nil {
		return errOnly(err)
	}
	err = d.Pipe().SubmitRecvString(t, d.readChannel(), hub,
		hostarch.VirtualAddr(args[2]), args[3], int64(args[4]), int64(args[5]),
		k.submitInfo(int64(args[6]), args[7], args[8]))
	return errOnly(err)
}

func helCreateServer(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	server := k.NewServer()
	server.IncRef()
	serverHandle := t.universe.Attach(NewServerDescriptor(server))
	clientHandle := t.universe.Attach(NewClientDescriptor(server))
	return [3]uint64{hel.ErrnoOk, uint64(serverHandle), uint64(clientHandle)}, false
}

func helSubmitAccept(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindServer {
		return errOnly(hel.ErrBadDescriptor)
	}
	hub, err := resolveHub(t, hel.Handle(args[1]))
	if err != nil {
		return errOnly(err)
	}
	d.Server().SubmitAccept(t.universe, hub, k.submitInfo(int64(args[2]), args[3], args[4]))
	return errOnly(nil)
}

func helSubmitConnect(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindClient {
		return errOnly(hel.ErrBadDescriptor)
	}
	hub, err := resolveHub(t, hel.Handle(args[1]))
	if err != nil {
		return errOnly(err)
	}
	d.Server().SubmitConnect(t.universe, hub, k.submitInfo(int64(args[2]), args[3], args[4]))
	return errOnly(nil)
}

func helAccessIrq(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	vector := args[0]
	if vector >= platform.NumVectors {
		return errOnly(hel.ErrNoSuchObject)
	}
	return okHandle(t.universe.Attach(NewIrqDescriptor(int(vector))))
}

func helSubmitWaitForIrq(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindIrq {
		return errOnly(hel.ErrBadDescriptor)
	}
	hub, err := resolveHub(t, hel.Handle(args[1]))
	if err != nil {
		return errOnly(err)
	}
	k.relays[d.IrqVector()].Submit(hub, k.submitInfo(int64(args[2]), args[3], args[4]))
	return errOnly(nil)
}

func helAccessIo(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	count := args[1]
	if count > maxIoPorts {
		return errOnly(hel.ErrNoMemory)
	}
	buf := make([]byte, count*8)
	if err := k.copyIn(t.space, hostarch.VirtualAddr(args[0]), buf); err != nil {
		return errOnly(err)
	}
	ports := make([]uint64, count)
	for i := range ports {
		ports[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return okHandle(t.universe.Attach(NewIoDescriptor(ports)))
}

func helEnableIo(k *Kernel, t *Thread, args *[9]uint64) ([3]uint64, bool) {
	d, ok := t.universe.Get(hel.Handle(args[0]))
	if !ok {
		return errOnly(hel.ErrIllegalHandle)
	}
	if d.Kind() != KindIo {
		return errOnly(hel.ErrBadDescriptor)
	}
	t.enableIo(d.IoPorts())
	return errOnly(nil)
}
