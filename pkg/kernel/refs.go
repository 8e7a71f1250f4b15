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
	"sync/atomic"
)

// refCount tracks shared ownership of a kernel object. The embedding type
// runs its destructor when decRef drops the last reference; until then the
// object stays alive for every holder.
type refCount struct {
	n atomic.Int64
}

func (r *refCount) init() {
	r.n.Store(1)
}

func (r *refCount) incRef() {
	if r.n.Add(1) <= 1 {
		panic("kernel: incRef on a dead object")
	}
}

// decRef drops one reference and reports whether it was the last.
func (r *refCount) decRef() bool {
	n := r.n.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("kernel: refcount underflow (%d)", n))
	}
	return n == 0
}
