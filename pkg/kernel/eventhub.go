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
	"time"

	"github.com/benbjohnson/clock"

	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// hubWaiter is a thread blocked in WaitForEvents.
type hubWaiter struct {
	thread *Thread
	buffer hostarch.VirtualAddr
	max    uint64
	timer  *clock.Timer
	woken  bool
}

// EventHub is a FIFO of completion events. Posting order equals delivery
// order; threads with nothing to drain block on the hub.
type EventHub struct {
	refs refCount

	k *Kernel

	// lock guards events and waiters.
	lock    *platform.IrqSpinLock
	events  []hel.Event
	waiters []*hubWaiter
}

// NewEventHub returns an empty hub.
func (k *Kernel) NewEventHub() *EventHub {
	h := &EventHub{k: k, lock: k.machine.NewIrqLock()}
	h.refs.init()
	return h
}

// IncRef adds a shared owner.
func (h *EventHub) IncRef() {
	h.refs.incRef()
}

// DecRef drops a shared owner. Pending submits and blocked waiters hold
// references, so the last drop finds no waiters; events nobody drained are
// discarded.
func (h *EventHub) DecRef() {
	if !h.refs.decRef() {
		return
	}
	h.events = nil
}

// Post appends an event and, if a thread is blocked on the hub, wakes the
// head waiter with everything queued.
func (h *EventHub) Post(e hel.Event) {
	h.lock.Lock()
	h.events = append(h.events, e)
	if len(h.waiters) == 0 {
		h.lock.Unlock()
		return
	}
	w := h.waiters[0]
	h.waiters = h.waiters[1:]
	w.woken = true
	count, err := h.drainLocked(w.thread.space, w.buffer, w.max)
	h.lock.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.thread.setResults(hel.CodeOf(err), count, 0)
	h.k.ready(w.thread)
	h.DecRef()
}

// drainLocked copies up to max events into the user buffer at addr and
// removes them from the queue. It returns the number delivered.
//
// Preconditions: h.lock is held.
func (h *EventHub) drainLocked(space *AddressSpace, addr hostarch.VirtualAddr, max uint64) (uint64, error) {
	n := uint64(len(h.events))
	if n > max {
		n = max
	}
	if n == 0 {
		return 0, nil
	}
	buf := make([]byte, n*hel.EventSize)
	for i := uint64(0); i < n; i++ {
		h.events[i].Encode(buf[i*hel.EventSize:])
	}
	if err := h.k.copyOut(space, addr, buf); err != nil {
		return 0, err
	}
	h.events = h.events[n:]
	return n, nil
}

// WaitForEvents drains up to max events into the caller's buffer. With
// nothing queued, a zero timeout completes immediately with zero events; a
// negative timeout blocks until the hub fills; a positive timeout blocks
// for at most that many nanoseconds. It returns blocked=true when the
// thread suspended; its results are filled by the waker.
func (h *EventHub) WaitForEvents(t *Thread, buffer hostarch.VirtualAddr, max uint64, timeoutNs int64) (count uint64, blocked bool, err error) {
	h.lock.Lock()
	if len(h.events) > 0 || timeoutNs == 0 {
		count, err = h.drainLocked(t.space, buffer, max)
		h.lock.Unlock()
		return count, false, err
	}

	w := &hubWaiter{thread: t, buffer: buffer, max: max}
	h.IncRef()
	h.waiters = append(h.waiters, w)
	h.k.block(t)
	if timeoutNs > 0 {
		w.timer = h.k.machine.Clock().AfterFunc(time.Duration(timeoutNs)*time.Nanosecond, func() {
			h.expire(w)
		})
	}
	h.lock.Unlock()
	return 0, true, nil
}

// expire completes a waiter whose deadline elapsed with zero events.
func (h *EventHub) expire(w *hubWaiter) {
	h.lock.Lock()
	if w.woken {
		h.lock.Unlock()
		return
	}
	w.woken = true
	for i := range h.waiters {
		if h.waiters[i] == w {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			break
		}
	}
	h.lock.Unlock()

	w.thread.setResults(hel.ErrnoOk, 0, 0)
	h.k.ready(w.thread)
	h.DecRef()
}
