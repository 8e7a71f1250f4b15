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

package hel

// Error codes, returned as the first result word of every syscall.
const (
	ErrnoOk Word = iota
	ErrnoIllegalSyscall
	ErrnoIllegalHandle
	ErrnoNoSuchObject
	ErrnoNoMemory
	ErrnoBufferTooSmall
	ErrnoBadDescriptor
	ErrnoTimeout
	ErrnoDismissed
	ErrnoFault
)

// Error represents a Hel error code with a descriptive message.
type Error struct {
	errno   Word
	message string
}

// NewError creates a new *Error.
func NewError(errno Word, message string) *Error {
	return &Error{errno: errno, message: message}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying error code.
func (e *Error) Errno() Word { return e.errno }

// The canonical error values. Syscall implementations return these; the
// dispatcher marshals them with CodeOf.
var (
	ErrIllegalSyscall = NewError(ErrnoIllegalSyscall, "illegal syscall")
	ErrIllegalHandle  = NewError(ErrnoIllegalHandle, "illegal handle")
	ErrNoSuchObject   = NewError(ErrnoNoSuchObject, "no such object")
	ErrNoMemory       = NewError(ErrnoNoMemory, "out of memory")
	ErrBufferTooSmall = NewError(ErrnoBufferTooSmall, "buffer too small")
	ErrBadDescriptor  = NewError(ErrnoBadDescriptor, "descriptor kind does not support this operation")
	ErrTimeout        = NewError(ErrnoTimeout, "timeout elapsed")
	ErrDismissed      = NewError(ErrnoDismissed, "request dismissed")
	ErrFault          = NewError(ErrnoFault, "user memory fault")
)

// CodeOf returns the error word for err. A nil err is ErrnoOk; errors that do
// not carry a Hel code surface as ErrnoFault.
func CodeOf(err error) Word {
	if err == nil {
		return ErrnoOk
	}
	if e, ok := err.(*Error); ok {
		return e.Errno()
	}
	return ErrnoFault
}
