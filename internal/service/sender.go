package service

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/draft"
	"github.com/LeventeLantos/delivery-pipeline/internal/fileref"
	"github.com/LeventeLantos/delivery-pipeline/internal/loop"
	"github.com/LeventeLantos/delivery-pipeline/internal/metrics"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/registry"
	"github.com/LeventeLantos/delivery-pipeline/internal/resolve"
	"github.com/LeventeLantos/delivery-pipeline/internal/serializer"
	"github.com/LeventeLantos/delivery-pipeline/internal/store"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

const DefaultMaxMessageSize = 4096

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotFailed      = errors.New("message has not failed")
	ErrNotCancellable = errors.New("message is not being sent")
	ErrVoteInProgress = errors.New("vote already in progress")
)

// Store is the message store the sender works against.
type Store interface {
	fileref.Store
	registry.Reconciler
	draft.Store

	NextProvisionalID() model.MsgID
	CreateLocalMessage(peer model.PeerID, id model.MsgID, payload model.Payload, flags store.LocalFlags) (model.Message, error)
	MarkFailed(id model.FullMsgID, reason string) error
	Destroy(id model.FullMsgID) error
	MarkRead(peer model.PeerID, upTo model.MsgID)
	LastServerID(peer model.PeerID) model.MsgID
}

type Options struct {
	MaxMessageSize int
	ResolveDelay   time.Duration
	DraftDelay     time.Duration
	// SelfID is the account's own user id.
	SelfID  int64
	Metrics *metrics.Metrics
}

// Sender turns send intents into local echoes and transport requests. All
// methods must run on the control loop.
type Sender struct {
	tr     transport.Transport
	store  Store
	maxLen int
	m      *metrics.Metrics

	reg    *registry.Registry
	ser    *serializer.Serializer
	refs   *fileref.Refresher
	aux    *resolve.MessageQueue
	drafts *draft.Saver

	// active maps each local echo still in flight to the job sending it.
	active map[model.FullMsgID]cancellable
	// retry keeps the intent behind every Failed echo for Resend.
	retry map[model.FullMsgID]model.SendIntent
	votes map[model.FullMsgID]struct{}
	// lastGroup numbers the albums this sender builds.
	lastGroup uint64
}

type cancellable interface {
	cancel(local model.FullMsgID) error
}

func NewSender(tr transport.Transport, st Store, timers loop.Timers, opts Options) *Sender {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Metrics != nil {
		tr = countingTransport{Transport: tr, m: opts.Metrics}
	}

	ser := serializer.New(tr)
	return &Sender{
		tr:     tr,
		store:  st,
		maxLen: opts.MaxMessageSize,
		m:      opts.Metrics,
		reg:    registry.New(st),
		ser:    ser,
		refs:   fileref.New(tr, st, opts.SelfID),
		aux:    resolve.NewMessageQueue(tr, timers, opts.ResolveDelay, st),
		drafts: draft.NewSaver(tr, ser, timers, st, opts.DraftDelay),
		active: make(map[model.FullMsgID]cancellable),
		retry:  make(map[model.FullMsgID]model.SendIntent),
		votes:  make(map[model.FullMsgID]struct{}),
	}
}

// Callbacks are optional. Exactly one of them runs per operation.
type Callbacks struct {
	OnDone func(ids []model.FullMsgID)
	OnFail func(err error)
}

// Send validates intent, creates its local echoes and queues the requests in
// the conversation's send slot. It returns the provisional ids.
func (s *Sender) Send(intent model.SendIntent, cb Callbacks) ([]model.FullMsgID, error) {
	if _, err := s.writablePeer(intent.Peer); err != nil {
		return nil, err
	}
	if err := s.validatePayload(intent.Payload); err != nil {
		return nil, err
	}

	s.beforeSend(intent)

	parts := s.splitPayload(intent.Payload)
	track := newTracker("send", cb, len(parts))

	jobs := make([]*sendJob, 0, len(parts))
	for i, p := range parts {
		pi := intent
		pi.Payload = p
		pi.ClearDraft = intent.ClearDraft && i == 0
		j, err := s.newSendJob(pi, track, i, 0)
		if err != nil {
			for _, done := range jobs {
				s.abandon(done.part)
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}

	ids := make([]model.FullMsgID, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.part.local)
		j.ticket = s.ser.Submit(sendSlot(intent.Peer), j)
	}
	return ids, nil
}

// Resend destroys a Failed echo and sends its payload again as a new intent.
func (s *Sender) Resend(id model.FullMsgID, cb Callbacks) ([]model.FullMsgID, error) {
	m, ok := s.store.Message(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if m.Lifecycle != model.Failed {
		return nil, fmt.Errorf("%w: %s", ErrNotFailed, id)
	}

	intent, ok := s.retry[id]
	if !ok {
		intent = model.SendIntent{Peer: id.Peer, ReplyTo: m.ReplyTo, Payload: m.Payload}
	}
	intent.ClearDraft = false

	if err := s.store.Destroy(id); err != nil {
		return nil, err
	}
	delete(s.retry, id)

	return s.Send(intent, cb)
}

// Cancel withdraws a queued send, asks the transport to abort an in-flight
// one, or removes an item from an album that is still uploading.
func (s *Sender) Cancel(id model.FullMsgID) error {
	j, ok := s.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCancellable, id)
	}
	return j.cancel(id)
}

// RefreshFileReference lets any collaborator refresh a stale reference.
func (s *Sender) RefreshFileReference(origin model.FileOrigin, h fileref.Handler) error {
	return s.refs.Refresh(origin, h)
}

// RequestAuxiliaryData loads the full message behind id in the next batch.
func (s *Sender) RequestAuxiliaryData(id model.FullMsgID, cb resolve.Callback[model.FullMsgID]) {
	s.aux.Request(id, func(k model.FullMsgID, err *apierr.Error) {
		if s.m != nil {
			s.m.Resolved.Inc()
		}
		cb(k, err)
	})
}

func (s *Sender) SaveDraft(peer model.PeerID, d model.Draft) error {
	if _, err := s.writablePeer(peer); err != nil {
		return err
	}
	s.drafts.SaveDelayed(peer, d)
	return nil
}

// Pending is the number of tokens waiting for confirmation.
func (s *Sender) Pending() int {
	return s.reg.Len()
}

func sendSlot(peer model.PeerID) serializer.Slot {
	return serializer.Slot{Peer: peer, Class: serializer.Send}
}

// beforeSend applies the optimistic side effects of a send. The draft is
// cleared before anything reaches the transport.
func (s *Sender) beforeSend(intent model.SendIntent) {
	if !intent.Options.Scheduled() {
		s.store.MarkRead(intent.Peer, s.store.LastServerID(intent.Peer))
	}
	if intent.ClearDraft {
		s.drafts.Clear(intent.Peer)
	}
}

func (s *Sender) writablePeer(id model.PeerID) (model.Peer, error) {
	p, ok := s.store.Peer(id)
	if !ok {
		return p, apierr.Validationf("unknown conversation %d", id)
	}
	if !p.CanWrite {
		return p, apierr.Validationf("conversation %d is read-only", id)
	}
	return p, nil
}

func (s *Sender) validatePayload(p model.Payload) error {
	switch v := p.(type) {
	case nil:
		return apierr.Validationf("empty payload")
	case model.Text:
		if strings.TrimSpace(v.Text) == "" {
			return apierr.Validationf("empty text")
		}
	case model.ExistingMedia:
		if _, ok := s.store.Media(v.Key); !ok {
			return apierr.Validationf("unknown media %s:%d", v.Key.Kind, v.Key.ID)
		}
	case model.Upload:
		if len(v.Data) == 0 {
			return apierr.Validationf("empty upload %q", v.Name)
		}
	case model.Poll:
		if strings.TrimSpace(v.Question) == "" || len(v.Answers) < 2 {
			return apierr.Validationf("poll needs a question and at least two answers")
		}
	case model.Location:
		if v.Lat < -90 || v.Lat > 90 || v.Lon < -180 || v.Lon > 180 {
			return apierr.Validationf("location out of range")
		}
	case model.Contact:
		if strings.TrimSpace(v.Phone) == "" {
			return apierr.Validationf("contact without phone")
		}
	case model.Dice:
		if v.Emoji == "" {
			return apierr.Validationf("dice without emoji")
		}
	}
	return nil
}

// splitPayload cuts long texts into parts of at most maxLen runes.
func (s *Sender) splitPayload(p model.Payload) []model.Payload {
	t, ok := p.(model.Text)
	if !ok {
		return []model.Payload{p}
	}
	var out []model.Payload
	for _, chunk := range splitText(t.Text, s.maxLen) {
		out = append(out, model.Text{Text: chunk, NoWebpage: t.NoWebpage})
	}
	return out
}

// splitText prefers to cut after a newline, then after a space, and only
// falls back to a hard cut inside a word.
func splitText(text string, max int) []string {
	rest := []rune(strings.TrimSpace(text))
	var out []string
	for len(rest) > max {
		cut := lastBreak(rest[:max], '\n')
		if cut <= 0 {
			cut = lastBreak(rest[:max], ' ')
		}
		if cut <= 0 {
			cut = max
		}
		if part := strings.TrimSpace(string(rest[:cut])); part != "" {
			out = append(out, part)
		}
		rest = []rune(strings.TrimLeftFunc(string(rest[cut:]), unicode.IsSpace))
	}
	if len(rest) > 0 {
		out = append(out, string(rest))
	}
	return out
}

func lastBreak(rs []rune, sep rune) int {
	for i := len(rs) - 1; i > 0; i-- {
		if rs[i] == sep {
			return i + 1
		}
	}
	return 0
}

// part is one echo and the token that confirms it.
type part struct {
	local model.FullMsgID
	token registry.Token
	index int
}

// newPart creates the echo for payload and registers its token.
func (s *Sender) newPart(intent model.SendIntent, index int, groupID uint64) (part, error) {
	id := s.store.NextProvisionalID()
	m, err := s.store.CreateLocalMessage(intent.Peer, id, intent.Payload, store.LocalFlags{
		ReplyTo:   intent.ReplyTo,
		GroupID:   groupID,
		Scheduled: intent.Options.Scheduled(),
	})
	if err != nil {
		return part{}, err
	}

	token := s.reg.NewToken()
	if err := s.reg.Register(token, m.ID); err != nil {
		// A duplicate token means the random source is broken.
		panic(err)
	}
	s.retry[m.ID] = intent
	return part{local: m.ID, token: token, index: index}, nil
}

// newGroupID numbers a local album. Confirmation replaces it with the
// server's own group id.
func (s *Sender) newGroupID() uint64 {
	s.lastGroup++
	return s.lastGroup
}

// abandon undoes newPart for a part whose operation failed before any
// request was queued.
func (s *Sender) abandon(p part) {
	delete(s.active, p.local)
	delete(s.retry, p.local)
	s.reg.Release(p.token)
	if err := s.store.Destroy(p.local); err != nil {
		slog.Warn("destroy echo failed", "local", p.local.String(), "err", err)
	}
}

// confirm resolves every part against the confirmations in resp. A part the
// response does not mention fails. Server copies of the messages are merged
// after the echoes moved to their canonical ids.
func (s *Sender) confirm(parts []part, track *tracker, resp *transport.Response) {
	byToken := make(map[uint64]model.Confirmation)
	if resp != nil {
		for _, c := range resp.Confirmed {
			byToken[c.RandomID] = c
		}
	}

	resolved := make(map[int]model.FullMsgID, len(parts))
	for _, p := range parts {
		delete(s.active, p.local)
		c, ok := byToken[uint64(p.token)]
		if !ok {
			continue
		}
		id, _, err := s.reg.Resolve(p.token, c)
		if err != nil {
			slog.Error("apply confirmation failed", "local", p.local.String(), "err", err)
			track.fail(apierr.FromError(err))
			continue
		}
		delete(s.retry, p.local)
		resolved[p.index] = id
	}
	if resp != nil {
		s.store.ApplyMessages(resp.Messages)
	}

	for _, p := range parts {
		if _, ok := byToken[uint64(p.token)]; !ok {
			s.failPart(p, track, apierr.New(apierr.Unknown, "CONFIRMATION_MISSING"))
			continue
		}
		if id, ok := resolved[p.index]; ok {
			s.count("confirmed")
			track.confirm(p.index, id)
		}
	}
}

// failPart ends a part for good. Server-rejected empty content destroys
// the echo; everything else leaves it Failed with a retry entry.
func (s *Sender) failPart(p part, track *tracker, err *apierr.Error) {
	delete(s.active, p.local)
	if !s.reg.Release(p.token) {
		return
	}

	if err.Kind == apierr.MessageEmpty {
		delete(s.retry, p.local)
		if derr := s.store.Destroy(p.local); derr != nil {
			slog.Warn("destroy echo failed", "local", p.local.String(), "err", derr)
		}
		s.count("destroyed")
	} else {
		if merr := s.store.MarkFailed(p.local, err.Error()); merr != nil {
			slog.Warn("mark failed", "local", p.local.String(), "err", merr)
		}
		s.count("failed")
	}
	track.fail(err)
}

// dropPart removes a part that never reached the transport.
func (s *Sender) dropPart(p part, track *tracker) {
	delete(s.active, p.local)
	delete(s.retry, p.local)
	s.reg.Release(p.token)
	if err := s.store.Destroy(p.local); err != nil {
		slog.Warn("destroy echo failed", "local", p.local.String(), "err", err)
	}
	s.count("cancelled")
	track.drop(p.index)
}

func (s *Sender) count(outcome string) {
	if s.m != nil {
		s.m.Sends.WithLabelValues(outcome).Inc()
	}
}

func (s *Sender) sendFlags(intent model.SendIntent) transport.SendFlags {
	return transport.SendFlags{
		ReplyTo:      intent.ReplyTo,
		Silent:       intent.Options.Silent,
		ScheduleDate: intent.Options.ScheduleDate,
		SendAs:       intent.Options.SendAs,
		ClearDraft:   intent.ClearDraft,
	}
}

type countingTransport struct {
	transport.Transport
	m *metrics.Metrics
}

func (c countingTransport) Submit(req *transport.Request, done transport.Completion) transport.Handle {
	c.m.Requests.WithLabelValues(string(req.Method)).Inc()
	return c.Transport.Submit(req, done)
}
