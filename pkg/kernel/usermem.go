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
	"github.com/a-andreyev/managarm/pkg/hostarch"
)

// copyIn copies len(b) bytes from user memory at addr in space. Unmapped
// pages surface as Fault, never as a kernel panic.
func (k *Kernel) copyIn(space *AddressSpace, addr hostarch.VirtualAddr, b []byte) error {
	return k.userAccess(space, addr, b, false)
}

// copyOut copies b into user memory at addr in space.
func (k *Kernel) copyOut(space *AddressSpace, addr hostarch.VirtualAddr, b []byte) error {
	return k.userAccess(space, addr, b, true)
}

func (k *Kernel) userAccess(space *AddressSpace, addr hostarch.VirtualAddr, b []byte, write bool) error {
	root := space.PageRoot()
	for len(b) > 0 {
		n := hostarch.PageSize - int(addr.PageOffset())
		if n > len(b) {
			n = len(b)
		}
		phys, ok := k.machine.Translate(root, addr, write, false)
		if !ok {
			return hel.ErrFault
		}
		if write {
			k.machine.WritePhys(phys, b[:n])
		} else {
			k.machine.ReadPhys(phys, b[:n])
		}
		addr += hostarch.VirtualAddr(n)
		b = b[n:]
	}
	return nil
}
