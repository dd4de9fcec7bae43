package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

var ErrJournalFull = errors.New("journal buffer full")

// Record is what durable sinks learn about a local message.
type Record struct {
	Local     model.FullMsgID   `json:"local"`
	Canonical model.FullMsgID   `json:"canonical,omitempty"`
	Kind      model.PayloadKind `json:"kind"`
	Text      string            `json:"text,omitempty"`
	Lifecycle model.Lifecycle   `json:"lifecycle"`
	LastError string            `json:"lastError,omitempty"`
	Scheduled bool              `json:"scheduled,omitempty"`
	At        time.Time         `json:"at"`
}

// Journal receives lifecycle transitions of local messages.
type Journal interface {
	Created(ctx context.Context, r Record) error
	Confirmed(ctx context.Context, r Record) error
	Failed(ctx context.Context, r Record) error
	Destroyed(ctx context.Context, r Record) error
}

type NopJournal struct{}

func (NopJournal) Created(context.Context, Record) error   { return nil }
func (NopJournal) Confirmed(context.Context, Record) error { return nil }
func (NopJournal) Failed(context.Context, Record) error    { return nil }
func (NopJournal) Destroyed(context.Context, Record) error { return nil }

// Journals fans every call out to all members and joins their errors.
type Journals []Journal

func (js Journals) Created(ctx context.Context, r Record) error {
	return js.each(func(j Journal) error { return j.Created(ctx, r) })
}

func (js Journals) Confirmed(ctx context.Context, r Record) error {
	return js.each(func(j Journal) error { return j.Confirmed(ctx, r) })
}

func (js Journals) Failed(ctx context.Context, r Record) error {
	return js.each(func(j Journal) error { return j.Failed(ctx, r) })
}

func (js Journals) Destroyed(ctx context.Context, r Record) error {
	return js.each(func(j Journal) error { return j.Destroyed(ctx, r) })
}

func (js Journals) each(fn func(Journal) error) error {
	var errs []error
	for _, j := range js {
		if err := fn(j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type opKind int

const (
	opCreated opKind = iota
	opConfirmed
	opFailed
	opDestroyed
)

func (k opKind) String() string {
	switch k {
	case opCreated:
		return "created"
	case opConfirmed:
		return "confirmed"
	case opFailed:
		return "failed"
	}
	return "destroyed"
}

type journalOp struct {
	kind opKind
	rec  Record
}

// AsyncJournal queues records so the control loop never waits on I/O. Run
// drains the queue into the wrapped journal.
type AsyncJournal struct {
	next    Journal
	ch      chan journalOp
	dropped atomic.Int64
	written atomic.Int64
}

func NewAsyncJournal(next Journal, buffer int) *AsyncJournal {
	if buffer <= 0 {
		buffer = 256
	}
	return &AsyncJournal{next: next, ch: make(chan journalOp, buffer)}
}

func (a *AsyncJournal) Created(_ context.Context, r Record) error {
	return a.enqueue(journalOp{kind: opCreated, rec: r})
}

func (a *AsyncJournal) Confirmed(_ context.Context, r Record) error {
	return a.enqueue(journalOp{kind: opConfirmed, rec: r})
}

func (a *AsyncJournal) Failed(_ context.Context, r Record) error {
	return a.enqueue(journalOp{kind: opFailed, rec: r})
}

func (a *AsyncJournal) Destroyed(_ context.Context, r Record) error {
	return a.enqueue(journalOp{kind: opDestroyed, rec: r})
}

func (a *AsyncJournal) Dropped() int64 { return a.dropped.Load() }
func (a *AsyncJournal) Written() int64 { return a.written.Load() }

func (a *AsyncJournal) enqueue(op journalOp) error {
	select {
	case a.ch <- op:
		return nil
	default:
		a.dropped.Add(1)
		slog.Warn("journal buffer full, dropping record", "op", op.kind.String(), "local", op.rec.Local.String())
		return ErrJournalFull
	}
}

// Run writes queued records until ctx ends, then flushes what is left with a
// short grace period.
func (a *AsyncJournal) Run(ctx context.Context) error {
	slog.Info("journal writer started")
	for {
		select {
		case <-ctx.Done():
			a.flush()
			slog.Info("journal writer stopped")
			return nil
		case op := <-a.ch:
			a.apply(ctx, op)
		}
	}
}

func (a *AsyncJournal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		select {
		case op := <-a.ch:
			a.apply(ctx, op)
		default:
			return
		}
	}
}

func (a *AsyncJournal) apply(ctx context.Context, op journalOp) {
	var err error
	switch op.kind {
	case opCreated:
		err = a.next.Created(ctx, op.rec)
	case opConfirmed:
		err = a.next.Confirmed(ctx, op.rec)
	case opFailed:
		err = a.next.Failed(ctx, op.rec)
	case opDestroyed:
		err = a.next.Destroyed(ctx, op.rec)
	}
	if err != nil {
		slog.Error("journal write failed", "op", op.kind.String(), "local", op.rec.Local.String(), "err", err)
		return
	}
	a.written.Add(1)
}
