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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"

	"github.com/a-andreyev/managarm/pkg/eir"
	"github.com/a-andreyev/managarm/pkg/hel"
	"github.com/a-andreyev/managarm/pkg/hostarch"
	"github.com/a-andreyev/managarm/pkg/kernel"
	"github.com/a-andreyev/managarm/pkg/log"
	"github.com/a-andreyev/managarm/pkg/metric"
	"github.com/a-andreyev/managarm/pkg/platform"
)

// config is the machine description read from the TOML boot file.
type config struct {
	// MemoryMiB sizes the physical memory slab.
	MemoryMiB uint64 `toml:"memory-mib"`

	// TimerIntervalMs is the scheduling tick in milliseconds.
	TimerIntervalMs uint64 `toml:"timer-interval-ms"`

	// LogLevel selects the kernel log verbosity.
	LogLevel string `toml:"log-level"`
}

func defaultConfig() config {
	return config{
		MemoryMiB:       64,
		TimerIntervalMs: 10,
		LogLevel:        "info",
	}
}

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	configPath string
	metrics    bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "boot the kernel and run the built-in init program"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] - boot the kernel on a simulated machine.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "path to a TOML machine config")
	f.BoolVar(&r.metrics, "metrics", false, "dump kernel counters after shutdown")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := defaultConfig()
	if r.configPath != "" {
		if _, err := toml.DecodeFile(r.configPath, &conf); err != nil {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
			return subcommands.ExitUsageError
		}
	}
	log.SetLevel(conf.LogLevel)

	m := platform.NewMachine(platform.Options{
		MemoryBytes: conf.MemoryMiB << 20,
	})
	registerInit(m)

	b := eir.NewBuilder(m)
	b.AddModule([]byte("thor-init"), 0)
	b.AddModule([]byte("thor-demo-program-image"), 0)
	info := b.Finish()

	k, err := kernel.New(m, info, kernel.Options{
		TimerInterval: time.Duration(conf.TimerIntervalMs) * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing kernel: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := k.Boot(info); err != nil {
		fmt.Fprintf(os.Stderr, "booting: %v\n", err)
		return subcommands.ExitFailure
	}
	k.Run()

	if r.metrics {
		if err := metric.Export(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "exporting metrics: %v\n", err)
			return subcommands.ExitFailure
		}
	}
	if k.Panicked() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// Entry addresses of the built-in user programs. Init is loaded at the
// conventional base; the worker entry sits one page above it.
const (
	initEntry   hostarch.VirtualAddr = 0x4000_0000
	workerEntry hostarch.VirtualAddr = 0x4000_1000
)

// registerInit loads the demo init image: init allocates scratch memory,
// logs the size of the program image, and spawns a worker thread that sends
// it a greeting over a pipe.
func registerInit(m *platform.Machine) {
	m.RegisterProgram(initEntry, initMain)
	m.RegisterProgram(workerEntry, workerMain)
}

// userLog writes s into user scratch memory and issues a Log syscall.
func userLog(u *platform.UserContext, scratch hostarch.VirtualAddr, s string) {
	u.WriteBytes(scratch, []byte(s))
	u.Syscall(hel.CallLog, uint64(scratch), uint64(len(s)))
}

func initMain(u *platform.UserContext) {
	programHandle := u.Arg()

	// Scratch memory for log strings and payloads.
	_, scratchHandle, _ := u.Syscall(hel.CallAllocateMemory, hostarch.PageSize)
	_, scratchPtr, _ := u.Syscall(hel.CallMapMemory, scratchHandle, 0, hostarch.PageSize)
	scratch := hostarch.VirtualAddr(scratchPtr)

	userLog(u, scratch, "init: hello from user space")

	_, programLength, _ := u.Syscall(hel.CallMemoryInfo, programHandle)
	userLog(u, scratch, fmt.Sprintf("init: program image is %d bytes", programLength))

	// Hand the worker one end of a pipe and wait for its greeting.
	_, first, second := u.Syscall(hel.CallCreateBiDirectionPipe)
	_, hub, _ := u.Syscall(hel.CallCreateEventHub)

	stackTop := uint64(scratch) + hostarch.PageSize
	u.Syscall(hel.CallCreateThread, uint64(workerEntry), second, stackTop)

	recvBuf := scratch + 512
	u.Syscall(hel.CallSubmitRecvString,
		first, hub, uint64(recvBuf), 256,
		hel.AsWord(hel.AnyRequest), hel.AsWord(hel.AnySequence),
		1, 0, 0)

	evBuf := scratch + 1024
	_, count, _ := u.Syscall(hel.CallWaitForEvents, hub, uint64(evBuf), 1, hel.AsWord(hel.TimeInfinite))
	if count == 1 {
		var raw [hel.EventSize]byte
		u.ReadBytes(evBuf, raw[:])
		ev := hel.DecodeEvent(raw[:])
		msg := make([]byte, ev.Length)
		u.ReadBytes(recvBuf, msg)
		userLog(u, scratch, fmt.Sprintf("init: worker says %q", msg))
	} else {
		userLog(u, scratch, "init: no greeting from worker")
	}

	userLog(u, scratch, "init: done")
	u.Syscall(hel.CallExitThisThread)
}

func workerMain(u *platform.UserContext) {
	pipeHandle := u.Arg()

	_, scratchHandle, _ := u.Syscall(hel.CallAllocateMemory, hostarch.PageSize)
	_, scratchPtr, _ := u.Syscall(hel.CallMapMemory, scratchHandle, 0, hostarch.PageSize)
	scratch := hostarch.VirtualAddr(scratchPtr)

	greeting := "hello, init"
	u.WriteBytes(scratch, []byte(greeting))
	u.Syscall(hel.CallSendString, pipeHandle, uint64(scratch), uint64(len(greeting)), 0, 0)
	u.Syscall(hel.CallExitThisThread)
}
