// Package serializer keeps at most one request in flight per conversation
// and request class, releasing buffered submissions strictly in FIFO order.
package serializer

import (
	"errors"
	"fmt"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

var ErrNotInFlight = errors.New("ticket is not in flight")

type Class int

const (
	Send Class = iota
	History
	ReadInbox
	Delete
	Draft
)

func (c Class) String() string {
	switch c {
	case Send:
		return "send"
	case History:
		return "history"
	case ReadInbox:
		return "read_inbox"
	case Delete:
		return "delete"
	case Draft:
		return "draft"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

type Slot struct {
	Peer  model.PeerID
	Class Class
}

type Ticket uint64

// Job is started once its slot is free. The job owns the ticket until it
// calls Finish, normally from its transport completion.
type Job interface {
	Start(t Ticket) transport.Handle
}

type JobFunc func(t Ticket) transport.Handle

func (f JobFunc) Start(t Ticket) transport.Handle { return f(t) }

type Canceller interface {
	Cancel(h transport.Handle)
}

type CancelResult int

const (
	NotFound CancelResult = iota
	// Withdrawn: the job was still queued and will never start.
	Withdrawn
	// Cancelling: the transport was asked to cancel; the job still finishes.
	Cancelling
)

type entry struct {
	ticket  Ticket
	slot    Slot
	job     Job
	handle  transport.Handle
	started bool
}

type slotState struct {
	inflight *entry
	queue    []*entry
}

type Serializer struct {
	canceller Canceller
	next      Ticket
	slots     map[Slot]*slotState
	tickets   map[Ticket]*entry
}

func New(c Canceller) *Serializer {
	return &Serializer{
		canceller: c,
		slots:     make(map[Slot]*slotState),
		tickets:   make(map[Ticket]*entry),
	}
}

// Submit starts job right away when slot is idle, otherwise buffers it.
func (s *Serializer) Submit(slot Slot, job Job) Ticket {
	s.next++
	e := &entry{ticket: s.next, slot: slot, job: job}
	s.tickets[e.ticket] = e

	st := s.slot(slot)
	if st.inflight == nil {
		s.start(st, e)
	} else {
		st.queue = append(st.queue, e)
	}
	return e.ticket
}

// Finish releases the slot held by t and starts the next buffered job.
func (s *Serializer) Finish(t Ticket) {
	e, ok := s.tickets[t]
	if !ok || !e.started {
		return
	}
	delete(s.tickets, t)

	st := s.slots[e.slot]
	if st.inflight != e {
		return
	}
	st.inflight = nil
	if len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		s.start(st, next)
	}
}

// Resubmit starts the in-flight job of t again without giving up the slot.
func (s *Serializer) Resubmit(t Ticket) error {
	e, ok := s.tickets[t]
	if !ok || !e.started {
		return fmt.Errorf("%w: %d", ErrNotInFlight, t)
	}
	e.handle = e.job.Start(t)
	return nil
}

// Withdraw drops a job that has not started yet.
func (s *Serializer) Withdraw(t Ticket) bool {
	e, ok := s.tickets[t]
	if !ok || e.started {
		return false
	}
	st := s.slots[e.slot]
	for i, q := range st.queue {
		if q == e {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			break
		}
	}
	delete(s.tickets, t)
	return true
}

func (s *Serializer) Cancel(t Ticket) CancelResult {
	e, ok := s.tickets[t]
	if !ok {
		return NotFound
	}
	if !e.started {
		s.Withdraw(t)
		return Withdrawn
	}
	if e.handle != 0 && s.canceller != nil {
		s.canceller.Cancel(e.handle)
	}
	return Cancelling
}

func (s *Serializer) InFlight(slot Slot) bool {
	st, ok := s.slots[slot]
	return ok && st.inflight != nil
}

func (s *Serializer) Pending(slot Slot) int {
	st, ok := s.slots[slot]
	if !ok {
		return 0
	}
	return len(st.queue)
}

// Tickets counts jobs either in flight or buffered.
func (s *Serializer) Tickets() int {
	return len(s.tickets)
}

func (s *Serializer) slot(slot Slot) *slotState {
	st, ok := s.slots[slot]
	if !ok {
		st = &slotState{}
		s.slots[slot] = st
	}
	return st
}

func (s *Serializer) start(st *slotState, e *entry) {
	st.inflight = e
	e.started = true
	e.handle = e.job.Start(e.ticket)
}
