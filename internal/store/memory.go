// Package store holds conversations, messages and media in memory and
// reports every lifecycle change to subscribers and a durable journal.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrNotLocal = errors.New("message is not a local echo")
)

type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeConfirmed ChangeKind = "confirmed"
	ChangeFailed    ChangeKind = "failed"
	ChangeDestroyed ChangeKind = "destroyed"
	ChangeUpdated   ChangeKind = "updated"
	ChangeMedia     ChangeKind = "media"
	ChangeRead      ChangeKind = "read"
	ChangeDraft     ChangeKind = "draft"
)

// Change is delivered to subscribers after the store lock is released.
// Previous is set when a message moves from its provisional id.
type Change struct {
	Kind     ChangeKind
	ID       model.FullMsgID
	Previous model.FullMsgID
	Peer     model.PeerID
	Media    model.MediaKey
}

type LocalFlags struct {
	ReplyTo   model.MsgID
	GroupID   uint64
	Scheduled bool
}

type Memory struct {
	mu sync.RWMutex

	nextLocal model.MsgID
	peers     map[model.PeerID]model.Peer
	messages  map[model.FullMsgID]*model.Message
	media     map[model.MediaKey]model.Media
	drafts    map[model.PeerID]model.Draft
	readUpTo  map[model.PeerID]model.MsgID

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Change)

	journal Journal
	now     func() time.Time
}

func NewMemory(journal Journal) *Memory {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Memory{
		nextLocal: model.StartProvisionalMsgID,
		peers:     make(map[model.PeerID]model.Peer),
		messages:  make(map[model.FullMsgID]*model.Message),
		media:     make(map[model.MediaKey]model.Media),
		drafts:    make(map[model.PeerID]model.Draft),
		readUpTo:  make(map[model.PeerID]model.MsgID),
		subs:      make(map[int]func(Change)),
		journal:   journal,
		now:       time.Now,
	}
}

// Subscribe registers fn for every change. The returned func removes it.
func (s *Memory) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Memory) notify(changes ...Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

func (s *Memory) PutPeer(p model.Peer) {
	s.mu.Lock()
	s.peers[p.ID] = p
	s.mu.Unlock()
}

func (s *Memory) Peer(id model.PeerID) (model.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *Memory) NextProvisionalID() model.MsgID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextLocal
	s.nextLocal++
	return id
}

func (s *Memory) CreateLocalMessage(peer model.PeerID, id model.MsgID, payload model.Payload, flags LocalFlags) (model.Message, error) {
	full := model.FullMsgID{Peer: peer, Msg: id}

	s.mu.Lock()
	if _, ok := s.messages[full]; ok {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("message %s: %w", full, ErrExists)
	}
	m := &model.Message{
		ID:        full,
		GroupID:   flags.GroupID,
		ReplyTo:   flags.ReplyTo,
		Date:      s.now(),
		Payload:   payload,
		Lifecycle: model.Sending,
		Scheduled: flags.Scheduled,
	}
	s.messages[full] = m
	out := *m
	s.mu.Unlock()

	s.journalize(s.journal.Created, record(out, model.FullMsgID{}))
	s.notify(Change{Kind: ChangeCreated, ID: full, Peer: peer})
	return out, nil
}

// ApplyConfirmedUpdate re-keys a local echo under its canonical id and marks
// it Confirmed. Media returned by the server replaces the uploaded payload.
func (s *Memory) ApplyConfirmedUpdate(local model.FullMsgID, c model.Confirmation) (model.FullMsgID, error) {
	s.mu.Lock()
	m, ok := s.messages[local]
	if !ok {
		s.mu.Unlock()
		return model.FullMsgID{}, fmt.Errorf("message %s: %w", local, ErrNotFound)
	}
	canonical := model.FullMsgID{Peer: local.Peer, Msg: c.ID}
	delete(s.messages, local)

	m.ID = canonical
	m.Lifecycle = model.Confirmed
	m.LastError = ""
	if c.Date != 0 {
		m.Date = time.Unix(c.Date, 0).UTC()
	}
	if c.Media != nil {
		media := c.Media.Clone()
		if media.Origin.Kind == model.OriginNone {
			media.Origin = model.OriginForMessage(canonical)
		}
		s.media[media.Key] = media
		m.Payload = model.ExistingMedia{Key: media.Key, Caption: model.Caption(m.Payload)}
	}
	s.messages[canonical] = m
	out := *m
	s.mu.Unlock()

	s.journalize(s.journal.Confirmed, record(out, local))
	s.notify(Change{Kind: ChangeConfirmed, ID: canonical, Previous: local, Peer: local.Peer})
	return canonical, nil
}

func (s *Memory) MarkFailed(id model.FullMsgID, reason string) error {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if !m.IsLocal() {
		s.mu.Unlock()
		return fmt.Errorf("message %s: %w", id, ErrNotLocal)
	}
	m.Lifecycle = model.Failed
	m.LastError = reason
	out := *m
	s.mu.Unlock()

	s.journalize(s.journal.Failed, record(out, model.FullMsgID{}))
	s.notify(Change{Kind: ChangeFailed, ID: id, Peer: id.Peer})
	return nil
}

func (s *Memory) Destroy(id model.FullMsgID) error {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	delete(s.messages, id)
	out := *m
	s.mu.Unlock()

	s.journalize(s.journal.Destroyed, record(out, model.FullMsgID{}))
	s.notify(Change{Kind: ChangeDestroyed, ID: id, Peer: id.Peer})
	return nil
}

func (s *Memory) Message(id model.FullMsgID) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// Messages lists a conversation in id order; local echoes sort last.
func (s *Memory) Messages(peer model.PeerID) []model.Message {
	s.mu.RLock()
	out := make([]model.Message, 0)
	for id, m := range s.messages {
		if id.Peer == peer {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.Msg < out[j].ID.Msg })
	return out
}

func (s *Memory) ListFailed() []model.Message {
	s.mu.RLock()
	var out []model.Message
	for _, m := range s.messages {
		if m.Lifecycle == model.Failed {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Peer != out[j].ID.Peer {
			return out[i].ID.Peer < out[j].ID.Peer
		}
		return out[i].ID.Msg < out[j].ID.Msg
	})
	return out
}

func (s *Memory) Media(key model.MediaKey) (model.Media, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.media[key]
	if !ok {
		return model.Media{}, false
	}
	return m.Clone(), true
}

func (s *Memory) PutMedia(m model.Media) {
	s.mu.Lock()
	s.media[m.Key] = m.Clone()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMedia, Media: m.Key})
}

// SetFileReference stores a fresh reference for a known object and reports
// whether it differed from the previous one.
func (s *Memory) SetFileReference(key model.MediaKey, ref []byte) bool {
	s.mu.Lock()
	m, ok := s.media[key]
	if !ok || string(m.FileReference) == string(ref) {
		s.mu.Unlock()
		return false
	}
	m.FileReference = append([]byte(nil), ref...)
	s.media[key] = m
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMedia, Media: key})
	return true
}

// ApplyMessages merges server messages and the media they carry.
func (s *Memory) ApplyMessages(msgs []transport.WireMessage) {
	if len(msgs) == 0 {
		return
	}
	changes := make([]Change, 0, len(msgs))

	s.mu.Lock()
	for _, w := range msgs {
		var payload model.Payload = model.Text{Text: w.Text}
		if w.Media != nil {
			media := w.Media.Clone()
			if media.Origin.Kind == model.OriginNone {
				media.Origin = model.OriginForMessage(w.ID)
			}
			s.media[media.Key] = media
			payload = model.ExistingMedia{Key: media.Key, Caption: w.Text}
		}
		m := &model.Message{
			ID:        w.ID,
			GroupID:   w.GroupID,
			Date:      time.Unix(w.Date, 0).UTC(),
			Payload:   payload,
			Lifecycle: model.Confirmed,
			Scheduled: w.Scheduled,
		}
		// The wire copy carries no reply target; a missing date keeps ours.
		if prev, ok := s.messages[w.ID]; ok {
			m.ReplyTo = prev.ReplyTo
			if w.Date == 0 {
				m.Date = prev.Date
			}
		}
		s.messages[w.ID] = m
		changes = append(changes, Change{Kind: ChangeUpdated, ID: w.ID, Peer: w.ID.Peer})
	}
	s.mu.Unlock()

	s.notify(changes...)
}

func (s *Memory) MarkRead(peer model.PeerID, upTo model.MsgID) {
	s.mu.Lock()
	if upTo <= s.readUpTo[peer] {
		s.mu.Unlock()
		return
	}
	s.readUpTo[peer] = upTo
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRead, Peer: peer})
}

func (s *Memory) ReadUpTo(peer model.PeerID) model.MsgID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readUpTo[peer]
}

// LastServerID is the newest confirmed message id in a conversation.
func (s *Memory) LastServerID(peer model.PeerID) model.MsgID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last model.MsgID
	for id := range s.messages {
		if id.Peer == peer && model.IsServerMsgID(id.Msg) && id.Msg > last {
			last = id.Msg
		}
	}
	return last
}

func (s *Memory) SetDraft(peer model.PeerID, d model.Draft) {
	s.mu.Lock()
	s.drafts[peer] = d
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeDraft, Peer: peer})
}

func (s *Memory) Draft(peer model.PeerID) (model.Draft, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[peer]
	return d, ok
}

func (s *Memory) ClearDraft(peer model.PeerID) {
	s.mu.Lock()
	_, had := s.drafts[peer]
	delete(s.drafts, peer)
	s.mu.Unlock()

	if had {
		s.notify(Change{Kind: ChangeDraft, Peer: peer})
	}
}

func (s *Memory) journalize(fn func(context.Context, Record) error, r Record) {
	// Sink errors are logged by the sink; the in-memory state is authoritative.
	_ = fn(context.Background(), r)
}

func record(m model.Message, local model.FullMsgID) Record {
	r := Record{
		Local:     m.ID,
		Lifecycle: m.Lifecycle,
		LastError: m.LastError,
		Scheduled: m.Scheduled,
		Text:      model.Caption(m.Payload),
		At:        m.Date,
	}
	if m.Payload != nil {
		r.Kind = m.Payload.Kind()
	}
	if local != (model.FullMsgID{}) {
		r.Local = local
		r.Canonical = m.ID
		r.At = time.Now().UTC()
	}
	return r
}

func (s *Memory) CountSending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages {
		if m.Lifecycle == model.Sending {
			n++
		}
	}
	return n
}
