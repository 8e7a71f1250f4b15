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
	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// irqWaiter is one armed SubmitWaitForIrq.
type irqWaiter struct {
	hub  *EventHub
	info SubmitInfo
}

// IrqRelay fans one interrupt vector out to the hubs waiting on it. Each
// fire posts to every current subscriber exactly once, then clears the
// list; re-arming is explicit via the next SubmitWaitForIrq.
type IrqRelay struct {
	// lock guards waiters.
	lock    *platform.IrqSpinLock
	waiters []irqWaiter
}

func newIrqRelay(k *Kernel) *IrqRelay {
	return &IrqRelay{lock: k.machine.NewIrqLock()}
}

// Submit subscribes hub to the next fire.
func (r *IrqRelay) Submit(hub *EventHub, info SubmitInfo) {
	hub.IncRef()
	r.lock.Lock()
	r.waiters = append(r.waiters, irqWaiter{hub: hub, info: info})
	r.lock.Unlock()
}

// Fire posts an OK event to every waiting subscriber and clears the list.
func (r *IrqRelay) Fire() {
	r.lock.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.lock.Unlock()

	for _, w := range waiters {
		w.hub.Post(hel.Event{
			Type:           hel.EventIrq,
			Error:          hel.ErrnoOk,
			AsyncID:        w.info.AsyncID,
			SubmitFunction: w.info.Function,
			SubmitObject:   w.info.Object,
		})
		w.hub.DecRef()
	}
}
