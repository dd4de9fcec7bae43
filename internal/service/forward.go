package service

import (
	"fmt"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/grouping"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/serializer"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

// Forward copies existing server messages into to.Peer. Every source gets
// its echo, in source order, before the first request is submitted.
func (s *Sender) Forward(items []model.FullMsgID, to model.SendIntent, policy grouping.Policy, cb Callbacks) ([]model.FullMsgID, error) {
	if _, err := s.writablePeer(to.Peer); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apierr.Validationf("nothing to forward")
	}

	sources := make([]model.Message, len(items))
	gitems := make([]grouping.Item, len(items))
	for i, id := range items {
		m, ok := s.store.Message(id)
		if !ok || m.IsLocal() {
			return nil, apierr.Validationf("message %s cannot be forwarded", id)
		}
		sources[i] = m
		gitems[i] = grouping.Item{Source: id.Peer, GroupID: m.GroupID, Class: s.classOf(m)}
	}

	to.Payload = nil
	s.beforeSend(to)

	track := newTracker("forward", cb, len(items))
	var starters []func()
	var created []part
	fail := func(err error) ([]model.FullMsgID, error) {
		for _, p := range created {
			s.abandon(p)
		}
		return nil, err
	}

	for _, b := range grouping.Partition(gitems, policy) {
		batch := sources[b.Start:b.End]

		if policy == grouping.RegroupAllIntoNewAlbums {
			start, parts, err := s.regroup(to, batch, track, b.Start)
			if err != nil {
				return fail(err)
			}
			starters = append(starters, start)
			created = append(created, parts...)
			continue
		}

		j := &forwardJob{s: s, intent: to, from: batch[0].ID.Peer, track: track}
		var groupID uint64
		if len(batch) > 1 {
			groupID = s.newGroupID()
		}
		for i, m := range batch {
			pi := to
			pi.Payload = m.Payload
			pt, err := s.newPart(pi, b.Start+i, groupID)
			if err != nil {
				return fail(err)
			}
			j.ids = append(j.ids, m.ID.Msg)
			j.parts = append(j.parts, pt)
			s.active[pt.local] = j
			created = append(created, pt)
		}
		starters = append(starters, func() { j.ticket = s.ser.Submit(sendSlot(to.Peer), j) })
	}

	for _, start := range starters {
		start()
	}
	ids := make([]model.FullMsgID, len(created))
	for i, p := range created {
		ids[i] = p.local
	}
	return ids, nil
}

// regroup turns one batch into a fresh album, or into a plain media send
// when the batch holds a single message.
func (s *Sender) regroup(to model.SendIntent, batch []model.Message, track *tracker, firstIndex int) (func(), []part, error) {
	if len(batch) == 1 {
		pi := to
		pi.Payload = batch[0].Payload
		j, err := s.newSendJob(pi, track, firstIndex, 0)
		if err != nil {
			return nil, nil, err
		}
		return func() { j.ticket = s.ser.Submit(sendSlot(to.Peer), j) }, []part{j.part}, nil
	}

	payloads := make([]model.Payload, len(batch))
	for i, m := range batch {
		payloads[i] = m.Payload
	}
	a, err := s.newAlbum(to, payloads, track, firstIndex)
	if err != nil {
		return nil, nil, err
	}
	parts := make([]part, len(a.items))
	for i, it := range a.items {
		parts[i] = it.part
	}
	return a.begin, parts, nil
}

func (s *Sender) classOf(m model.Message) model.MediaClass {
	key, ok := m.MediaKey()
	if !ok {
		return model.ClassNone
	}
	media, ok := s.store.Media(key)
	if !ok {
		return model.ClassNone
	}
	return media.Class
}

// forwardJob forwards one batch of messages from a single source peer.
type forwardJob struct {
	s      *Sender
	intent model.SendIntent
	from   model.PeerID
	ids    []model.MsgID
	parts  []part
	track  *tracker
	ticket serializer.Ticket
}

func (j *forwardJob) Start(t serializer.Ticket) transport.Handle {
	j.ticket = t
	randomIDs := make([]uint64, len(j.parts))
	for i, p := range j.parts {
		randomIDs[i] = uint64(p.token)
	}
	return j.s.tr.Submit(&transport.Request{
		Method: transport.MethodForwardMessages,
		Peer:   j.intent.Peer,
		Params: transport.ForwardMessagesParams{
			SendFlags: j.s.sendFlags(j.intent),
			From:      j.from,
			IDs:       j.ids,
			RandomIDs: randomIDs,
		},
	}, j.complete)
}

func (j *forwardJob) complete(res transport.Result) {
	if res.OK() {
		j.s.confirm(j.parts, j.track, res.Response)
	} else {
		for _, p := range j.parts {
			j.s.failPart(p, j.track, res.Err)
		}
	}
	j.s.ser.Finish(j.ticket)
}

func (j *forwardJob) cancel(local model.FullMsgID) error {
	switch j.s.ser.Cancel(j.ticket) {
	case serializer.Withdrawn:
		for _, p := range j.parts {
			j.s.dropPart(p, j.track)
		}
		return nil
	case serializer.Cancelling:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotCancellable, local)
}
