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
	"github.com/a-andreyev/managarm/pkg/platform"
)

// Bounds on in-flight traffic per channel. The sender has no backpressure,
// so sends beyond these fail with NoMemory.
const (
	maxPendingMessages = 64
	maxMessageSize     = 64 << 10
)

// SubmitInfo correlates an asynchronous submission with its completion
// event.
type SubmitInfo struct {
	AsyncID  int64
	Function uint64
	Object   uint64
}

// message is a sent string held in a kernel heap buffer until a receiver
// matches it.
type message struct {
	kbuf     hostarch.VirtualAddr
	length   uint64
	request  int64
	sequence int64
}

// recvRecord is a receiver waiting for a matching message. It pins the
// submitting thread's address space (for the user buffer) and the hub.
type recvRecord struct {
	space     *AddressSpace
	hub       *EventHub
	buffer    hostarch.VirtualAddr
	bufLength uint64

	filterRequest  int64
	filterSequence int64
	info           SubmitInfo
}

// matches applies the matching rule: each filter value is either wildcard or
// equal to the message tag.
func (r *recvRecord) matches(request, sequence int64) bool {
	return (r.filterRequest == hel.AnyRequest || r.filterRequest == request) &&
		(r.filterSequence == hel.AnySequence || r.filterSequence == sequence)
}

// Channel is a half-duplex ordered message queue: a FIFO of in-flight
// messages and a FIFO of pending receivers. At most one of the two queues is
// non-empty at a time.
type Channel struct {
	messages []message
	recvs    []recvRecord
	closed   bool
}

// BiDirectionPipe is a pair of channels. The first endpoint reads from
// channel 0 and writes to channel 1; the second endpoint mirrors that.
type BiDirectionPipe struct {
	refs refCount

	k *Kernel

	// lock guards both channels.
	lock     *platform.IrqSpinLock
	channels [2]Channel
}

// NewBiDirectionPipe returns a pipe with both channels empty.
func (k *Kernel) NewBiDirectionPipe() *BiDirectionPipe {
	p := &BiDirectionPipe{k: k, lock: k.machine.NewIrqLock()}
	p.refs.init()
	return p
}

// IncRef adds a shared owner.
func (p *BiDirectionPipe) IncRef() {
	p.refs.incRef()
}

// DecRef drops a shared owner, freeing any still-queued messages with the
// last one.
func (p *BiDirectionPipe) DecRef() {
	if !p.refs.decRef() {
		return
	}
	for i := range p.channels {
		p.k.flushChannel(&p.channels[i])
	}
}

// SendString copies the payload and either completes a waiting receive or
// queues the message on the channel at writeIdx.
func (p *BiDirectionPipe) SendString(t *Thread, writeIdx int, buffer hostarch.VirtualAddr, length uint64, request, sequence int64) error {
	if length > maxMessageSize {
		return hel.ErrNoMemory
	}
	payload := make([]byte, length)
	if err := p.k.copyIn(t.space, buffer, payload); err != nil {
		return err
	}

	// Stage the kernel copy up front: the allocator locks precede the
	// channel lock in the global order.
	var kbuf hostarch.VirtualAddr
	if length > 0 {
		var err error
		kbuf, err = p.k.heap.Map(length)
		if err != nil {
			return err
		}
		p.k.heap.Write(kbuf, payload)
	}
	dropKbuf := func() {
		if length > 0 {
			p.k.heap.Unmap(kbuf, length)
		}
	}

	p.lock.Lock()
	ch := &p.channels[writeIdx]
	if ch.closed {
		p.lock.Unlock()
		dropKbuf()
		return hel.ErrDismissed
	}
	for i := range ch.recvs {
		if ch.recvs[i].matches(request, sequence) {
			r := ch.recvs[i]
			ch.recvs = append(ch.recvs[:i], ch.recvs[i+1:]...)
			p.lock.Unlock()
			dropKbuf()
			p.k.completeRecv(r, payload, request, sequence)
			return nil
		}
	}
	if len(ch.messages) >= maxPendingMessages {
		p.lock.Unlock()
		dropKbuf()
		return hel.ErrNoMemory
	}
	ch.messages = append(ch.messages, message{
		kbuf:     kbuf,
		length:   length,
		request:  request,
		sequence: sequence,
	})
	p.lock.Unlock()
	return nil
}

// SubmitRecvString completes against a queued message on the channel at
// readIdx, or enqueues a receive record. The completion is posted to hub
// either way.
func (p *BiDirectionPipe) SubmitRecvString(t *Thread, readIdx int, hub *EventHub, buffer hostarch.VirtualAddr, bufLength uint64, filterRequest, filterSequence int64, info SubmitInfo) error {
	r := recvRecord{
		space:          t.space,
		hub:            hub,
		buffer:         buffer,
		bufLength:      bufLength,
		filterRequest:  filterRequest,
		filterSequence: filterSequence,
		info:           info,
	}
	r.space.IncRef()
	r.hub.IncRef()

	p.lock.Lock()
	ch := &p.channels[readIdx]
	if ch.closed {
		p.lock.Unlock()
		p.k.dismissRecv(r)
		return nil
	}
	for i := range ch.messages {
		msg := ch.messages[i]
		if r.matches(msg.request, msg.sequence) {
			ch.messages = append(ch.messages[:i], ch.messages[i+1:]...)
			p.lock.Unlock()
			payload := make([]byte, msg.length)
			if msg.length > 0 {
				p.k.heap.Read(msg.kbuf, payload)
				p.k.heap.Unmap(msg.kbuf, msg.length)
			}
			p.k.completeRecv(r, payload, msg.request, msg.sequence)
			return nil
		}
	}
	ch.recvs = append(ch.recvs, r)
	p.lock.Unlock()
	return nil
}

// closeEndpoint dismisses the endpoint that reads from the channel at
// readIdx: its pending receives complete with Dismissed and its undelivered
// messages are dropped.
func (p *BiDirectionPipe) closeEndpoint(readIdx int) {
	p.lock.Lock()
	ch := &p.channels[readIdx]
	ch.closed = true
	recvs := ch.recvs
	ch.recvs = nil
	messages := ch.messages
	ch.messages = nil
	p.lock.Unlock()

	for _, r := range recvs {
		p.k.dismissRecv(r)
	}
	for _, msg := range messages {
		if msg.length > 0 {
			p.k.heap.Unmap(msg.kbuf, msg.length)
		}
	}
}

// flushChannel drops whatever a destroyed pipe still queues.
func (k *Kernel) flushChannel(ch *Channel) {
	for _, msg := range ch.messages {
		if msg.length > 0 {
			k.heap.Unmap(msg.kbuf, msg.length)
		}
	}
	ch.messages = nil
	for _, r := range ch.recvs {
		k.dismissRecv(r)
	}
	ch.recvs = nil
}

// completeRecv delivers payload to the receive record's user buffer and
// posts the completion event. A payload larger than the buffer consumes the
// message and completes with BufferTooSmall.
func (k *Kernel) completeRecv(r recvRecord, payload []byte, request, sequence int64) {
	var status error
	if uint64(len(payload)) > r.bufLength {
		status = hel.ErrBufferTooSmall
	} else if err := k.copyOut(r.space, r.buffer, payload); err != nil {
		status = err
	}
	r.hub.Post(hel.Event{
		Type:           hel.EventRecvString,
		Error:          hel.CodeOf(status),
		AsyncID:        r.info.AsyncID,
		SubmitFunction: r.info.Function,
		SubmitObject:   r.info.Object,
		Length:         uint64(len(payload)),
		MsgRequest:     request,
		MsgSequence:    sequence,
	})
	r.hub.DecRef()
	r.space.DecRef()
}

// dismissRecv fails a pending receive with a Dismissed completion.
func (k *Kernel) dismissRecv(r recvRecord) {
	r.hub.Post(hel.Event{
		Type:           hel.EventRecvString,
		Error:          hel.ErrnoDismissed,
		AsyncID:        r.info.AsyncID,
		SubmitFunction: r.info.Function,
		SubmitObject:   r.info.Object,
	})
	r.hub.DecRef()
	r.space.DecRef()
}

// acceptRecord and connectRecord wait for the opposite side of a server
// rendezvous. They pin the submitter's universe for the handle attach.
type acceptRecord struct {
	universe *Universe
	hub      *EventHub
	info     SubmitInfo
}

// Server is a rendezvous point: pending accepts cross-match pending
// connects in FIFO order, each match producing a fresh pipe.
type Server struct {
	refs refCount

	k *Kernel

	// lock guards the two queues.
	lock     *platform.IrqSpinLock
	accepts  []acceptRecord
	connects []acceptRecord
	closed   bool
}

// NewServer returns an empty rendezvous point.
func (k *Kernel) NewServer() *Server {
	s := &Server{k: k, lock: k.machine.NewIrqLock()}
	s.refs.init()
	return s
}

// IncRef adds a shared owner.
func (s *Server) IncRef() {
	s.refs.incRef()
}

// DecRef drops a shared owner, dismissing unmatched submits with the last
// one.
func (s *Server) DecRef() {
	if !s.refs.decRef() {
		return
	}
	s.dismissAll()
}

func (s *Server) dismissAll() {
	s.lock.Lock()
	s.closed = true
	accepts := s.accepts
	s.accepts = nil
	connects := s.connects
	s.connects = nil
	s.lock.Unlock()

	for _, r := range accepts {
		s.k.dismissRendezvous(r, hel.EventAccept)
	}
	for _, r := range connects {
		s.k.dismissRendezvous(r, hel.EventConnect)
	}
}

// closeAccepts dismisses queued accepts when the server endpoint closes.
func (s *Server) closeAccepts() {
	s.lock.Lock()
	accepts := s.accepts
	s.accepts = nil
	s.lock.Unlock()
	for _, r := range accepts {
		s.k.dismissRendezvous(r, hel.EventAccept)
	}
}

// closeConnects dismisses queued connects when the client endpoint closes.
func (s *Server) closeConnects() {
	s.lock.Lock()
	connects := s.connects
	s.connects = nil
	s.lock.Unlock()
	for _, r := range connects {
		s.k.dismissRendezvous(r, hel.EventConnect)
	}
}

// SubmitAccept queues an accept on behalf of universe and matches if a
// connect is already waiting.
func (s *Server) SubmitAccept(universe *Universe, hub *EventHub, info SubmitInfo) {
	s.submit(&s.accepts, acceptRecord{universe: universe, hub: hub, info: info}, hel.EventAccept)
}

// SubmitConnect queues a connect on behalf of universe and matches if an
// accept is already waiting.
func (s *Server) SubmitConnect(universe *Universe, hub *EventHub, info SubmitInfo) {
	s.submit(&s.connects, acceptRecord{universe: universe, hub: hub, info: info}, hel.EventConnect)
}

func (s *Server) submit(queue *[]acceptRecord, r acceptRecord, eventType hel.Word) {
	r.universe.IncRef()
	r.hub.IncRef()

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		s.k.dismissRendezvous(r, eventType)
		return
	}
	*queue = append(*queue, r)

	// Collect matches under the lock, attach and post after releasing it:
	// universe and hub locks come later in the lock order.
	type match struct {
		accept  acceptRecord
		connect acceptRecord
	}
	var matches []match
	for len(s.accepts) > 0 && len(s.connects) > 0 {
		matches = append(matches, match{accept: s.accepts[0], connect: s.connects[0]})
		s.accepts = s.accepts[1:]
		s.connects = s.connects[1:]
	}
	s.lock.Unlock()

	for _, m := range matches {
		pipe := s.k.NewBiDirectionPipe()
		pipe.IncRef()
		acceptHandle := m.accept.universe.Attach(NewBiDirectionFirstDescriptor(pipe))
		connectHandle := m.connect.universe.Attach(NewBiDirectionSecondDescriptor(pipe))
		s.k.completeRendezvous(m.accept, hel.EventAccept, acceptHandle)
		s.k.completeRendezvous(m.connect, hel.EventConnect, connectHandle)
	}
}

func (k *Kernel) completeRendezvous(r acceptRecord, eventType hel.Word, handle hel.Handle) {
	r.hub.Post(hel.Event{
		Type:           eventType,
		Error:          hel.ErrnoOk,
		AsyncID:        r.info.AsyncID,
		SubmitFunction: r.info.Function,
		SubmitObject:   r.info.Object,
		Handle:         handle,
	})
	r.hub.DecRef()
	r.universe.DecRef()
}

func (k *Kernel) dismissRendezvous(r acceptRecord, eventType hel.Word) {
	r.hub.Post(hel.Event{
		Type:           eventType,
		Error:          hel.ErrnoDismissed,
		AsyncID:        r.info.AsyncID,
		SubmitFunction: r.info.Function,
		SubmitObject:   r.info.Object,
	})
	r.hub.DecRef()
	r.universe.DecRef()
}
