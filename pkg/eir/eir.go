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

// Package eir models the bootloader handoff: the bootstrap physical range
// and the initial module descriptors the kernel receives at entry.
package eir

import (
	"fmt"

	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// Module describes one boot module placed in physical memory. Module 0 is
// the init image; its EntryOffset locates the entry point within the image.
type Module struct {
	PhysicalBase hostarch.PhysicalAddr
	Length       uint64
	EntryOffset  uint64
}

// Info is the handoff record the bootloader passes to the kernel.
type Info struct {
	BootstrapPhysical hostarch.PhysicalAddr
	BootstrapLength   uint64
	Modules           []Module
}

// Builder assembles a handoff record on a machine: it places module
// payloads into physical memory from the top down and leaves the rest as
// the bootstrap region.
type Builder struct {
	m   *platform.Machine
	top hostarch.PhysicalAddr

	modules []Module
}

// NewBuilder starts a handoff for m.
func NewBuilder(m *platform.Machine) *Builder {
	return &Builder{m: m, top: hostarch.PhysicalAddr(m.MemorySize())}
}

// AddModule places payload into physical memory and records its descriptor.
// Modules must be added in index order.
func (b *Builder) AddModule(payload []byte, entryOffset uint64) {
	size := hostarch.PageRoundUp(uint64(len(payload)))
	if size == 0 {
		size = hostarch.PageSize
	}
	if uint64(b.top) < size {
		panic(fmt.Sprintf("eir: no room for %d-byte module", len(payload)))
	}
	base := b.top - hostarch.PhysicalAddr(size)
	b.m.WritePhys(base, payload)
	b.top = base
	b.modules = append(b.modules, Module{
		PhysicalBase: base,
		Length:       uint64(len(payload)),
		EntryOffset:  entryOffset,
	})
}

// Finish returns the handoff record. The bootstrap region is everything
// below the lowest module, minus the first page, which stays reserved the
// way firmware areas are.
func (b *Builder) Finish() *Info {
	return &Info{
		BootstrapPhysical: hostarch.PageSize,
		BootstrapLength:   uint64(b.top) - hostarch.PageSize,
		Modules:           b.modules,
	}
}
