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

// Package hel defines the Hel syscall ABI: call numbers, error codes, handle
// and event encodings shared between the kernel and user programs.
package hel

import "encoding/binary"

// Word is the width of a syscall argument and result.
type Word = uint64

// Handle names a descriptor within a Universe. NullHandle is never issued.
type Handle uint64

// NullHandle is the reserved null capability name.
const NullHandle Handle = 0

// Syscall numbers.
const (
	CallLog Word = 1 + iota
	CallPanic
	CallCloseDescriptor
	CallAllocateMemory
	CallMapMemory
	CallMemoryInfo
	CallCreateThread
	CallExitThisThread
	CallCreateEventHub
	CallWaitForEvents
	CallCreateBiDirectionPipe
	CallSendString
	CallSubmitRecvString
	CallCreateServer
	CallSubmitAccept
	CallSubmitConnect
	CallAccessIrq
	CallSubmitWaitForIrq
	CallAccessIo
	CallEnableIo
)

// Filter wildcards for SubmitRecvString, and the infinite timeout for
// WaitForEvents.
const (
	AnyRequest  int64 = -1
	AnySequence int64 = -1

	TimeInfinite int64 = -1
)

// AsWord reinterprets a signed argument (filter tags, async ids, timeouts)
// as a syscall word.
func AsWord(v int64) Word {
	return Word(v)
}

// Event types delivered through an event hub.
const (
	EventRecvString Word = 1 + iota
	EventAccept
	EventConnect
	EventIrq
)

// EventSize is the size of one encoded event in a user event buffer: nine
// 64-bit words (type, error, async_id, submit_function, submit_object,
// length, msg_request, msg_seq, handle).
const EventSize = 9 * 8

// Event is a completion record as delivered to user space. Fields that do
// not apply to the event type are zero.
type Event struct {
	Type           Word
	Error          Word
	AsyncID        int64
	SubmitFunction uint64
	SubmitObject   uint64
	Length         uint64
	MsgRequest     int64
	MsgSequence    int64
	Handle         Handle
}

// Encode writes the event's wire representation into b, which must hold at
// least EventSize bytes.
func (e *Event) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], e.Type)
	binary.LittleEndian.PutUint64(b[8:], e.Error)
	binary.LittleEndian.PutUint64(b[16:], uint64(e.AsyncID))
	binary.LittleEndian.PutUint64(b[24:], e.SubmitFunction)
	binary.LittleEndian.PutUint64(b[32:], e.SubmitObject)
	binary.LittleEndian.PutUint64(b[40:], e.Length)
	binary.LittleEndian.PutUint64(b[48:], uint64(e.MsgRequest))
	binary.LittleEndian.PutUint64(b[56:], uint64(e.MsgSequence))
	binary.LittleEndian.PutUint64(b[64:], uint64(e.Handle))
}

// DecodeEvent is the inverse of Event.Encode. It is used by user programs
// draining an event buffer.
func DecodeEvent(b []byte) Event {
	return Event{
		Type:           binary.LittleEndian.Uint64(b[0:]),
		Error:          binary.LittleEndian.Uint64(b[8:]),
		AsyncID:        int64(binary.LittleEndian.Uint64(b[16:])),
		SubmitFunction: binary.LittleEndian.Uint64(b[24:]),
		SubmitObject:   binary.LittleEndian.Uint64(b[32:]),
		Length:         binary.LittleEndian.Uint64(b[40:]),
		MsgRequest:     int64(binary.LittleEndian.Uint64(b[48:])),
		MsgSequence:    int64(binary.LittleEndian.Uint64(b[56:])),
		Handle:         Handle(binary.LittleEndian.Uint64(b[64:])),
	}
}
