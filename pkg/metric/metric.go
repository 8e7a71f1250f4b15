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

// Package metric collects kernel counters and exposes them in the
// Prometheus text exposition format.
package metric

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Counter is a monotonically increasing kernel counter.
type Counter struct {
	name string
	help string
	v    atomic.Uint64
}

// Increment adds one to the counter.
func (c *Counter) Increment() {
	c.v.Add(1)
}

// Value returns the current count.
func (c *Counter) Value() uint64 {
	return c.v.Load()
}

var (
	mu       sync.Mutex
	counters = map[string]*Counter{}
)

// MustCreateCounter registers a new counter. Registering the same name twice
// is a bug and panics.
func MustCreateCounter(name, help string) *Counter {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := counters[name]; ok {
		panic(fmt.Sprintf("metric: duplicate counter %q", name))
	}
	c := &Counter{name: name, help: help}
	counters[name] = c
	return c
}

// Export writes all registered counters to w in the text exposition format.
func Export(w io.Writer) error {
	mu.Lock()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	families := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		c := counters[name]
		families = append(families, &dto.MetricFamily{
			Name: proto.String(c.name),
			Help: proto.String(c.help),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(float64(c.Value()))},
			}},
		})
	}
	mu.Unlock()

	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
