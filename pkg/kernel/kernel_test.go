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
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/a-andreyev/managarm/pkg/eir"
	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/log"
	"github.com/a-andreyev/managarm/pkg/platform"
)

const testInitEntry = initLoadBase

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// bootTestKernel builds a machine running init as module 0 and returns the
// kernel ready to Run.
func bootTestKernel(t *testing.T, interval time.Duration, init platform.Program) (*Kernel, *platform.Machine) {
	t.Helper()
	m := platform.NewMachine(platform.Options{MemoryBytes: 64 << 20})
	m.RegisterProgram(testInitEntry, init)

	b := eir.NewBuilder(m)
	b.AddModule([]byte("init-image"), 0)
	b.AddModule(make([]byte, 2*hostarch.PageSize), 0)
	info := b.Finish()

	k, err := New(m, info, Options{TimerInterval: interval})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := k.Boot(info); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return k, m
}

// runKernel runs the kernel to completion with a watchdog.
func runKernel(t *testing.T, k *Kernel) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		k.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		k.Machine().Stop()
		t.Fatalf("kernel did not shut down")
	}
}

// mapScratch allocates and maps one page of scratch memory for a program.
func mapScratch(u *platform.UserContext) hostarch.VirtualAddr {
	_, handle, _ := u.Syscall(hel.CallAllocateMemory, hostarch.PageSize)
	_, ptr, _ := u.Syscall(hel.CallMapMemory, handle, 0, hostarch.PageSize)
	return hostarch.VirtualAddr(ptr)
}

// readEvent decodes the event at index i of an event buffer.
func readEvent(u *platform.UserContext, buf hostarch.VirtualAddr, i uint64) hel.Event {
	var raw [hel.EventSize]byte
	u.ReadBytes(buf+hostarch.VirtualAddr(i*hel.EventSize), raw[:])
	return hel.DecodeEvent(raw[:])
}

func TestPipeEcho(t *testing.T) {
	var (
		sendErr   uint64
		waitCount uint64
		ev        hel.Event
		payload   []byte
	)
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		recvBuf := scratch
		sendBuf := scratch + 256
		evBuf := scratch + 512

		_, first, second := u.Syscall(hel.CallCreateBiDirectionPipe)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)

		u.Syscall(hel.CallSubmitRecvString,
			second, hub, uint64(recvBuf), 5,
			hel.AsWord(hel.AnyRequest), hel.AsWord(hel.AnySequence),
			7, 0x11, 0x22)

		u.WriteBytes(sendBuf, []byte("hello"))
		sendErr, _, _ = u.Syscall(hel.CallSendString, first, uint64(sendBuf), 5, 0, 0)

		_, waitCount, _ = u.Syscall(hel.CallWaitForEvents, hub, uint64(evBuf), 1, hel.AsWord(hel.TimeInfinite))
		ev = readEvent(u, evBuf, 0)
		payload = make([]byte, ev.Length)
		u.ReadBytes(recvBuf, payload)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if sendErr != hel.ErrnoOk {
		t.Fatalf("SendString = errno %d", sendErr)
	}
	if waitCount != 1 {
		t.Fatalf("WaitForEvents count = %d, want 1", waitCount)
	}
	want := hel.Event{
		Type:           hel.EventRecvString,
		Error:          hel.ErrnoOk,
		AsyncID:        7,
		SubmitFunction: 0x11,
		SubmitObject:   0x22,
		Length:         5,
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Errorf("completion event mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(payload, []byte("hello")) {
		t.Errorf("payload = %q, want %q", payload, "hello")
	}
}

func TestChannelPreservesSendOrder(t *testing.T) {
	var events []hel.Event
	var payloads []string
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		sendBuf := scratch
		evBuf := scratch + 1024

		_, first, second := u.Syscall(hel.CallCreateBiDirectionPipe)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)

		for i, msg := range []string{"aa", "bb", "cc"} {
			u.WriteBytes(sendBuf, []byte(msg))
			u.Syscall(hel.CallSendString, first, uint64(sendBuf), uint64(len(msg)), 0, uint64(i))
		}
		recvBase := scratch + 256
		for i := uint64(0); i < 3; i++ {
			u.Syscall(hel.CallSubmitRecvString,
				second, hub, uint64(recvBase+hostarch.VirtualAddr(i*16)), 16,
				hel.AsWord(hel.AnyRequest), hel.AsWord(hel.AnySequence),
				11+i, 0, 0)
		}
		_, n, _ := u.Syscall(hel.CallWaitForEvents, hub, uint64(evBuf), 8, hel.AsWord(hel.TimeInfinite))
		for i := uint64(0); i < n; i++ {
			ev := readEvent(u, evBuf, i)
			events = append(events, ev)
			buf := make([]byte, ev.Length)
			u.ReadBytes(recvBase+hostarch.VirtualAddr(i*16), buf)
			payloads = append(payloads, string(buf))
		}
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if len(events) != 3 {
		t.Fatalf("got %d completions, want 3", len(events))
	}
	if want := []string{"aa", "bb", "cc"}; !cmp.Equal(payloads, want) {
		t.Errorf("payload order = %v, want %v", payloads, want)
	}
	for i, ev := range events {
		if ev.MsgSequence != int64(i) {
			t.Errorf("event %d carries msg_seq %d, want %d", i, ev.MsgSequence, i)
		}
		if ev.AsyncID != int64(11+i) {
			t.Errorf("event %d carries async id %d, want %d", i, ev.AsyncID, 11+i)
		}
	}
}

func TestRecvFilterMatching(t *testing.T) {
	var ev hel.Event
	var payload string
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		sendBuf := scratch
		recvBuf := scratch + 256
		evBuf := scratch + 512

		_, first, second := u.Syscall(hel.CallCreateBiDirectionPipe)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)

		u.WriteBytes(sendBuf, []byte("one"))
		u.Syscall(hel.CallSendString, first, uint64(sendBuf), 3, 1, 7)
		u.WriteBytes(sendBuf, []byte("two"))
		u.Syscall(hel.CallSendString, first, uint64(sendBuf), 3, 2, 9)

		// Filter on request 2: the second message must match even though
		// the first was sent earlier.
		u.Syscall(hel.CallSubmitRecvString,
			second, hub, uint64(recvBuf), 16,
			2, hel.AsWord(hel.AnySequence),
			5, 0, 0)
		u.Syscall(hel.CallWaitForEvents, hub, uint64(evBuf), 1, hel.AsWord(hel.TimeInfinite))
		ev = readEvent(u, evBuf, 0)
		buf := make([]byte, ev.Length)
		u.ReadBytes(recvBuf, buf)
		payload = string(buf)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if payload != "two" {
		t.Errorf("filtered receive matched %q, want %q", payload, "two")
	}
	if ev.MsgRequest != 2 || ev.MsgSequence != 9 {
		t.Errorf("event tags = (%d, %d), want (2, 9)", ev.MsgRequest, ev.MsgSequence)
	}
}

func TestServerRendezvous(t *testing.T) {
	var (
		count   uint64
		evs     []hel.Event
		crossed string
	)
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		evBuf := scratch
		sendBuf := scratch + 512
		recvBuf := scratch + 768

		_, server, client := u.Syscall(hel.CallCreateServer)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)

		u.Syscall(hel.CallSubmitAccept, server, hub, 1, 0, 0)
		u.Syscall(hel.CallSubmitConnect, client, hub, 2, 0, 0)

		_, count, _ = u.Syscall(hel.CallWaitForEvents, hub, uint64(evBuf), 2, hel.AsWord(hel.TimeInfinite))
		for i := uint64(0); i < count; i++ {
			evs = append(evs, readEvent(u, evBuf, i))
		}
		var acceptEnd, connectEnd uint64
		for _, ev := range evs {
			switch ev.Type {
			case hel.EventAccept:
				acceptEnd = uint64(ev.Handle)
			case hel.EventConnect:
				connectEnd = uint64(ev.Handle)
			}
		}

		// Traffic sent on one fresh endpoint arrives on the other.
		u.WriteBytes(sendBuf, []byte("ping"))
		u.Syscall(hel.CallSendString, acceptEnd, uint64(sendBuf), 4, 0, 0)
		u.Syscall(hel.CallSubmitRecvString,
			connectEnd, hub, uint64(recvBuf), 16,
			hel.AsWord(hel.AnyRequest), hel.AsWord(hel.AnySequence),
			3, 0, 0)
		_, n, _ := u.Syscall(hel.CallWaitForEvents, hub, uint64(evBuf), 1, hel.AsWord(hel.TimeInfinite))
		if n == 1 {
			ev := readEvent(u, evBuf, 0)
			buf := make([]byte, ev.Length)
			u.ReadBytes(recvBuf, buf)
			crossed = string(buf)
		}
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if count != 2 {
		t.Fatalf("WaitForEvents count = %d, want 2", count)
	}
	ids := map[int64]bool{}
	for _, ev := range evs {
		if ev.Error != hel.ErrnoOk {
			t.Errorf("rendezvous event errno = %d", ev.Error)
		}
		if ev.Handle == hel.NullHandle {
			t.Errorf("rendezvous event carries a null handle")
		}
		ids[ev.AsyncID] = true
	}
	if !ids[1] || !ids[2] {
		t.Errorf("rendezvous async ids = %v, want {1, 2}", ids)
	}
	if crossed != "ping" {
		t.Errorf("cross-pipe payload = %q, want %q", crossed, "ping")
	}
}

func TestWaitForEventsTimeout(t *testing.T) {
	var errno, count uint64
	var elapsed time.Duration
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)
		start := time.Now()
		errno, count, _ = u.Syscall(hel.CallWaitForEvents, hub, uint64(scratch), 1, 1_000_000)
		elapsed = time.Since(start)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if errno != hel.ErrnoOk || count != 0 {
		t.Fatalf("WaitForEvents = (errno %d, count %d), want (Ok, 0)", errno, count)
	}
	if elapsed < time.Millisecond {
		t.Errorf("timeout returned after %v, want at least 1ms", elapsed)
	}
}

func TestWaitForEventsZeroTimeout(t *testing.T) {
	var errno, count uint64
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)
		errno, count, _ = u.Syscall(hel.CallWaitForEvents, hub, uint64(scratch), 1, 0)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if errno != hel.ErrnoOk || count != 0 {
		t.Errorf("WaitForEvents = (errno %d, count %d), want (Ok, 0)", errno, count)
	}
}

func TestIrqDelivery(t *testing.T) {
	var ev hel.Event
	var count uint64
	armed := make(chan struct{})
	k, m := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		_, irq, _ := u.Syscall(hel.CallAccessIrq, 1)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)
		u.Syscall(hel.CallSubmitWaitForIrq, irq, hub, 42, 0, 0)
		close(armed)
		_, count, _ = u.Syscall(hel.CallWaitForEvents, hub, uint64(scratch), 1, hel.AsWord(hel.TimeInfinite))
		ev = readEvent(u, scratch, 0)
		u.Syscall(hel.CallExitThisThread)
	})

	go func() {
		<-armed
		m.InjectIrq(1)
	}()
	runKernel(t, k)

	if count != 1 {
		t.Fatalf("WaitForEvents count = %d, want 1", count)
	}
	if ev.Type != hel.EventIrq || ev.Error != hel.ErrnoOk || ev.AsyncID != 42 {
		t.Errorf("irq event = %+v, want type Irq, errno Ok, async id 42", ev)
	}
}

const workerEntry = testInitEntry + 0x1000

func TestPreemptionInterleavesThreads(t *testing.T) {
	var initIterations uint64
	var observedWorker uint64
	k, m := bootTestKernel(t, time.Millisecond, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		c0 := scratch
		c1 := scratch + 8

		// The worker shares this address space; hand it its counter slot.
		u.Syscall(hel.CallCreateThread, uint64(workerEntry), uint64(c1), uint64(scratch)+hostarch.PageSize)

		for i := uint64(1); ; i++ {
			u.Store64(c0, i)
			if other := u.Load64(c1); other >= 1000 && i >= 1000 {
				initIterations = i
				observedWorker = other
				break
			}
		}
		u.Syscall(hel.CallExitThisThread)
	})
	m.RegisterProgram(workerEntry, func(u *platform.UserContext) {
		counter := hostarch.VirtualAddr(u.Arg())
		for i := uint64(1); i <= 100_000; i++ {
			u.Store64(counter, i)
		}
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if initIterations < 1000 {
		t.Errorf("init made %d iterations, want at least 1000", initIterations)
	}
	if observedWorker < 1000 {
		t.Errorf("init observed worker counter %d, want at least 1000", observedWorker)
	}
}

func TestIllegalHandleAfterClose(t *testing.T) {
	var closeErr, infoErr, againErr uint64
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		_, handle, _ := u.Syscall(hel.CallAllocateMemory, hostarch.PageSize)
		closeErr, _, _ = u.Syscall(hel.CallCloseDescriptor, handle)
		infoErr, _, _ = u.Syscall(hel.CallMemoryInfo, handle)
		againErr, _, _ = u.Syscall(hel.CallCloseDescriptor, handle)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if closeErr != hel.ErrnoOk {
		t.Errorf("CloseDescriptor = errno %d, want Ok", closeErr)
	}
	if infoErr != hel.ErrnoIllegalHandle {
		t.Errorf("MemoryInfo after close = errno %d, want IllegalHandle", infoErr)
	}
	if againErr != hel.ErrnoIllegalHandle {
		t.Errorf("second CloseDescriptor = errno %d, want IllegalHandle", againErr)
	}
}

func TestDismissedOnClose(t *testing.T) {
	var ev hel.Event
	var count uint64
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		_, _, second := u.Syscall(hel.CallCreateBiDirectionPipe)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)
		u.Syscall(hel.CallSubmitRecvString,
			second, hub, uint64(scratch), 16,
			hel.AsWord(hel.AnyRequest), hel.AsWord(hel.AnySequence),
			9, 0, 0)
		u.Syscall(hel.CallCloseDescriptor, second)
		_, count, _ = u.Syscall(hel.CallWaitForEvents, hub, uint64(scratch+256), 1, hel.AsWord(hel.TimeInfinite))
		ev = readEvent(u, scratch+256, 0)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if count != 1 {
		t.Fatalf("WaitForEvents count = %d, want 1", count)
	}
	if ev.Error != hel.ErrnoDismissed || ev.AsyncID != 9 {
		t.Errorf("event = %+v, want errno Dismissed with async id 9", ev)
	}
}

func TestSendOverflowReturnsNoMemory(t *testing.T) {
	var lastErr uint64
	var failedAt int
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		u.WriteBytes(scratch, []byte("x"))
		_, first, _ := u.Syscall(hel.CallCreateBiDirectionPipe)
		for i := 0; i < maxPendingMessages+1; i++ {
			errno, _, _ := u.Syscall(hel.CallSendString, first, uint64(scratch), 1, 0, 0)
			if errno != hel.ErrnoOk {
				lastErr = errno
				failedAt = i
				break
			}
		}
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if lastErr != hel.ErrnoNoMemory {
		t.Fatalf("overflowing send = errno %d, want NoMemory", lastErr)
	}
	if failedAt != maxPendingMessages {
		t.Errorf("send failed at message %d, want %d", failedAt, maxPendingMessages)
	}
}

func TestRecvBufferTooSmall(t *testing.T) {
	var ev hel.Event
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		scratch := mapScratch(u)
		_, first, second := u.Syscall(hel.CallCreateBiDirectionPipe)
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)
		u.Syscall(hel.CallSubmitRecvString,
			second, hub, uint64(scratch), 3,
			hel.AsWord(hel.AnyRequest), hel.AsWord(hel.AnySequence),
			4, 0, 0)
		u.WriteBytes(scratch+256, []byte("hello"))
		u.Syscall(hel.CallSendString, first, uint64(scratch+256), 5, 0, 0)
		u.Syscall(hel.CallWaitForEvents, hub, uint64(scratch+512), 1, hel.AsWord(hel.TimeInfinite))
		ev = readEvent(u, scratch+512, 0)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if ev.Error != hel.ErrnoBufferTooSmall {
		t.Errorf("event errno = %d, want BufferTooSmall", ev.Error)
	}
	if ev.Length != 5 {
		t.Errorf("event length = %d, want the message length 5", ev.Length)
	}
}

func TestMappedMemoryDoesNotAlias(t *testing.T) {
	var first, second []byte
	var shared []byte
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		_, handleA, _ := u.Syscall(hel.CallAllocateMemory, hostarch.PageSize)
		_, handleB, _ := u.Syscall(hel.CallAllocateMemory, hostarch.PageSize)
		_, ptrA, _ := u.Syscall(hel.CallMapMemory, handleA, 0, hostarch.PageSize)
		_, ptrB, _ := u.Syscall(hel.CallMapMemory, handleB, 0, hostarch.PageSize)

		u.WriteBytes(hostarch.VirtualAddr(ptrA), []byte("first"))
		u.WriteBytes(hostarch.VirtualAddr(ptrB), []byte("second"))

		first = make([]byte, 5)
		u.ReadBytes(hostarch.VirtualAddr(ptrA), first)
		second = make([]byte, 6)
		u.ReadBytes(hostarch.VirtualAddr(ptrB), second)

		// Two mappings of the same Memory do alias.
		_, ptrA2, _ := u.Syscall(hel.CallMapMemory, handleA, 0, hostarch.PageSize)
		shared = make([]byte, 5)
		u.ReadBytes(hostarch.VirtualAddr(ptrA2), shared)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if string(first) != "first" {
		t.Errorf("first mapping reads %q", first)
	}
	if string(second) != "second" {
		t.Errorf("second mapping reads %q", second)
	}
	if string(shared) != "first" {
		t.Errorf("remapping the same Memory reads %q, want %q", shared, "first")
	}
}

func TestSendFaultsOnBadBuffer(t *testing.T) {
	var errno uint64
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		_, first, _ := u.Syscall(hel.CallCreateBiDirectionPipe)
		errno, _, _ = u.Syscall(hel.CallSendString, first, 0xDEAD_0000, 16, 0, 0)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if errno != hel.ErrnoFault {
		t.Errorf("SendString with an unmapped buffer = errno %d, want Fault", errno)
	}
}

func TestBadDescriptorKind(t *testing.T) {
	var errno uint64
	k, _ := bootTestKernel(t, 0, func(u *platform.UserContext) {
		_, hub, _ := u.Syscall(hel.CallCreateEventHub)
		errno, _, _ = u.Syscall(hel.CallMemoryInfo, hub)
		u.Syscall(hel.CallExitThisThread)
	})
	runKernel(t, k)

	if errno != hel.ErrnoBadDescriptor {
		t.Errorf("MemoryInfo on a hub = errno %d, want BadDescriptor", errno)
	}
}
