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
	"runtime"
	"sync"
	"sync/atomic"
)

// TicketLock is a FIFO spinlock. The zero value is unlocked.
type TicketLock struct {
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock acquires the lock, spinning until the caller's ticket is served.
func (l *TicketLock) Lock() {
	ticket := l.next.Add(1) - 1
	for l.serving.Load() != ticket {
		runtime.Gosched()
	}
}

// Unlock releases the lock.
func (l *TicketLock) Unlock() {
	l.serving.Add(1)
}

// IrqMutex masks interrupt delivery while held. Holds nest: masking twice
// requires unmasking twice. It does not provide mutual exclusion; pair it
// with a spinlock for that (see IrqSpinLock).
type IrqMutex struct {
	mu    sync.Mutex
	depth int
}

// Lock raises the interrupt mask.
func (m *IrqMutex) Lock() {
	m.mu.Lock()
	m.depth++
	m.mu.Unlock()
}

// Unlock lowers the interrupt mask. Pending interrupts are delivered at the
// next instruction boundary, not here.
func (m *IrqMutex) Unlock() {
	m.mu.Lock()
	if m.depth == 0 {
		m.mu.Unlock()
		panic("platform: IrqMutex.Unlock without Lock")
	}
	m.depth--
	m.mu.Unlock()
}

// Held reports whether the mask is raised.
func (m *IrqMutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0
}

// IrqSpinLock is a spinlock that may be acquired from an interrupt path:
// acquiring raises the IRQ mutex before taking the spinlock, and releasing
// reverses that. Construct with Machine.NewIrqLock.
type IrqSpinLock struct {
	irq *IrqMutex
	l   TicketLock
}

// Lock raises the IRQ mutex, then takes the spinlock.
func (l *IrqSpinLock) Lock() {
	l.irq.Lock()
	l.l.Lock()
}

// Unlock releases the spinlock, then lowers the IRQ mutex.
func (l *IrqSpinLock) Unlock() {
	l.l.Unlock()
	l.irq.Unlock()
}
