package service

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/fileref"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/serializer"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

// sendJob sends a single message. The request is rebuilt on every start so
// a resubmission after a reference refresh carries the fresh reference and
// the same token.
type sendJob struct {
	s      *Sender
	intent model.SendIntent
	part   part
	track  *tracker

	ticket serializer.Ticket

	usedRef   []byte
	refreshed bool
	cancelled bool
}

func (s *Sender) newSendJob(intent model.SendIntent, track *tracker, index int, groupID uint64) (*sendJob, error) {
	p, err := s.newPart(intent, index, groupID)
	if err != nil {
		return nil, err
	}
	j := &sendJob{s: s, intent: intent, part: p, track: track}
	s.active[p.local] = j
	return j, nil
}

func (j *sendJob) Start(t serializer.Ticket) transport.Handle {
	j.ticket = t
	return j.s.tr.Submit(j.request(), j.complete)
}

func (j *sendJob) request() *transport.Request {
	flags := j.s.sendFlags(j.intent)
	token := uint64(j.part.token)

	switch p := j.intent.Payload.(type) {
	case model.Text:
		return &transport.Request{
			Method: transport.MethodSendMessage,
			Peer:   j.intent.Peer,
			Params: transport.SendMessageParams{SendFlags: flags, Text: p.Text, RandomID: token, NoWebpage: p.NoWebpage},
		}
	case model.ExistingMedia:
		m, _ := j.s.store.Media(p.Key)
		j.usedRef = m.FileReference
		return &transport.Request{
			Method: transport.MethodSendMedia,
			Peer:   j.intent.Peer,
			Params: transport.SendMediaParams{SendFlags: flags, Media: transport.InputFromMedia(m), Caption: p.Caption, RandomID: token},
		}
	}
	return &transport.Request{
		Method: transport.MethodSendMedia,
		Peer:   j.intent.Peer,
		Params: transport.SendMediaParams{
			SendFlags: flags,
			Media:     inputFor(j.intent.Payload),
			Caption:   model.Caption(j.intent.Payload),
			RandomID:  token,
		},
	}
}

// inputFor describes payloads that carry no existing server object.
func inputFor(p model.Payload) transport.InputMedia {
	switch v := p.(type) {
	case model.Upload:
		return transport.InputMedia{
			Kind: transport.InputUploaded,
			File: &transport.UploadMediaParams{Name: v.Name, Class: v.Class, Data: v.Data},
		}
	case model.Poll:
		return transport.InputMedia{Kind: transport.InputPoll, Poll: &v}
	case model.Location:
		return transport.InputMedia{Kind: transport.InputGeo, Geo: &v}
	case model.Contact:
		return transport.InputMedia{Kind: transport.InputContact, Contact: &v}
	case model.Dice:
		return transport.InputMedia{Kind: transport.InputDice, Emoji: v.Emoji}
	}
	return transport.InputMedia{}
}

func (j *sendJob) complete(res transport.Result) {
	if res.OK() {
		j.s.confirm([]part{j.part}, j.track, res.Response)
		j.finish()
		return
	}
	if res.Err.Kind == apierr.StaleFileReference && j.refreshReference(res.Err) {
		return
	}
	j.fail(res.Err)
}

// refreshReference starts the refresh of the media's origin. The request is
// replayed only if the refresh actually changed this media's reference, and
// at most once per send.
func (j *sendJob) refreshReference(cause *apierr.Error) bool {
	em, ok := j.intent.Payload.(model.ExistingMedia)
	if !ok || j.refreshed || j.cancelled {
		return false
	}
	media, ok := j.s.store.Media(em.Key)
	if !ok {
		return false
	}
	used := j.usedRef

	err := j.s.refs.Refresh(media.Origin, func(fileref.Updated) {
		if j.cancelled {
			j.fail(apierr.New(apierr.Cancelled, "cancelled during reference refresh"))
			return
		}
		cur, ok := j.s.store.Media(em.Key)
		if !ok || bytes.Equal(cur.FileReference, used) {
			slog.Info("file reference unchanged after refresh", "local", j.part.local.String())
			j.fail(cause)
			return
		}
		j.refreshed = true
		if j.s.m != nil {
			j.s.m.Retries.Inc()
		}
		if err := j.s.ser.Resubmit(j.ticket); err != nil {
			j.fail(apierr.FromError(err))
		}
	})
	if err != nil {
		if !errors.Is(err, fileref.ErrNoOrigin) {
			slog.Warn("file reference refresh not started", "local", j.part.local.String(), "err", err)
		}
		return false
	}
	if j.s.m != nil {
		j.s.m.Refreshes.Inc()
	}
	return true
}

func (j *sendJob) fail(err *apierr.Error) {
	j.s.failPart(j.part, j.track, err)
	j.finish()
}

func (j *sendJob) finish() {
	j.s.ser.Finish(j.ticket)
}

func (j *sendJob) cancel(model.FullMsgID) error {
	switch j.s.ser.Cancel(j.ticket) {
	case serializer.Withdrawn:
		j.s.dropPart(j.part, j.track)
		return nil
	case serializer.Cancelling:
		j.cancelled = true
		return nil
	}
	return ErrNotCancellable
}
