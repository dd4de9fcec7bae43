// Package draft debounces cloud draft saves per conversation.
package draft

import (
	"log/slog"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/loop"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/serializer"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

const DefaultDelay = time.Second

type Store interface {
	SetDraft(peer model.PeerID, d model.Draft)
	Draft(peer model.PeerID) (model.Draft, bool)
	ClearDraft(peer model.PeerID)
}

type Saver struct {
	tr     transport.Transport
	ser    *serializer.Serializer
	timers loop.Timers
	store  Store
	delay  time.Duration

	armed map[model.PeerID]loop.Timer
	// queued holds the tickets of saves handed to the serializer and not
	// finished yet.
	queued map[model.PeerID][]serializer.Ticket

	// Saved counts save requests that completed successfully.
	Saved int
}

func NewSaver(tr transport.Transport, ser *serializer.Serializer, timers loop.Timers, store Store, delay time.Duration) *Saver {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Saver{
		tr:     tr,
		ser:    ser,
		timers: timers,
		store:  store,
		delay:  delay,
		armed:  make(map[model.PeerID]loop.Timer),
		queued: make(map[model.PeerID][]serializer.Ticket),
	}
}

// SaveDelayed stores d locally and schedules the cloud save. Repeated calls
// within the delay collapse into one request.
func (s *Saver) SaveDelayed(peer model.PeerID, d model.Draft) {
	s.store.SetDraft(peer, d)

	if t, ok := s.armed[peer]; ok {
		t.Stop()
	}
	s.armed[peer] = s.timers.AfterFunc(s.delay, func() { s.save(peer) })
}

// Clear drops the local draft and every save of it the server has not
// acknowledged: armed timers stop, buffered saves are withdrawn and the one
// in flight is cancelled.
func (s *Saver) Clear(peer model.PeerID) {
	if t, ok := s.armed[peer]; ok {
		t.Stop()
		delete(s.armed, peer)
	}
	for _, t := range s.queued[peer] {
		s.ser.Cancel(t)
	}
	delete(s.queued, peer)
	s.store.ClearDraft(peer)
}

func (s *Saver) Pending(peer model.PeerID) bool {
	_, ok := s.armed[peer]
	return ok
}

func (s *Saver) save(peer model.PeerID) {
	if _, ok := s.armed[peer]; !ok {
		return
	}
	delete(s.armed, peer)

	d, _ := s.store.Draft(peer)
	slot := serializer.Slot{Peer: peer, Class: serializer.Draft}

	// A newer save supersedes the ones still buffered.
	kept := s.queued[peer][:0]
	for _, t := range s.queued[peer] {
		if !s.ser.Withdraw(t) {
			kept = append(kept, t)
		}
	}

	ticket := s.ser.Submit(slot, serializer.JobFunc(func(t serializer.Ticket) transport.Handle {
		return s.tr.Submit(&transport.Request{
			Method: transport.MethodSaveDraft,
			Peer:   peer,
			Params: transport.SaveDraftParams{Text: d.Text, ReplyTo: d.ReplyTo},
		}, func(res transport.Result) {
			defer s.ser.Finish(t)
			s.forget(peer, t)
			if !res.OK() {
				slog.Warn("draft save failed", "peer", int64(peer), "err", res.Err)
				return
			}
			s.Saved++
		})
	}))
	s.queued[peer] = append(kept, ticket)
}

func (s *Saver) forget(peer model.PeerID, t serializer.Ticket) {
	ts := s.queued[peer]
	for i, q := range ts {
		if q == t {
			ts = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	if len(ts) == 0 {
		delete(s.queued, peer)
		return
	}
	s.queued[peer] = ts
}
