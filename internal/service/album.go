package service

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/fileref"
	"github.com/LeventeLantos/delivery-pipeline/internal/grouping"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/serializer"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

type albumState int

const (
	albumBuilding albumState = iota
	albumUploading
	albumRetryingReference
	albumSent
	albumFailed
)

func (s albumState) String() string {
	switch s {
	case albumBuilding:
		return "building"
	case albumUploading:
		return "uploading"
	case albumRetryingReference:
		return "retrying_reference"
	case albumSent:
		return "sent"
	case albumFailed:
		return "failed"
	}
	return fmt.Sprintf("album_state(%d)", int(s))
}

type albumItem struct {
	part    part
	payload model.Payload

	key     model.MediaKey
	ready   bool
	upload  transport.Handle
	usedRef []byte

	cancelled bool
}

// album owns one multi-media batch. Every field changes only inside its
// transition methods: begin, Start, uploaded, send, complete, retryReference,
// referenceRefreshed, failAll and cancel.
type album struct {
	s       *Sender
	intent  model.SendIntent
	groupID uint64
	items   []*albumItem
	track   *tracker

	state   albumState
	ticket  serializer.Ticket
	entered bool
	retried bool
}

// SendAlbum uploads the items and sends them as albums of at most
// grouping.MaxBatchSize. Items whose class cannot be grouped go out alone.
func (s *Sender) SendAlbum(intent model.AlbumIntent, cb Callbacks) ([]model.FullMsgID, error) {
	if _, err := s.writablePeer(intent.Peer); err != nil {
		return nil, err
	}
	if len(intent.Items) == 0 {
		return nil, apierr.Validationf("empty album")
	}
	for _, it := range intent.Items {
		if err := s.validatePayload(it); err != nil {
			return nil, err
		}
	}

	base := model.SendIntent{Peer: intent.Peer, ReplyTo: intent.ReplyTo, Options: intent.Options}
	s.beforeSend(base)

	gitems := make([]grouping.Item, len(intent.Items))
	payloads := make([]model.Payload, len(intent.Items))
	for i, it := range intent.Items {
		gitems[i] = grouping.Item{Source: intent.Peer, Class: it.Class}
		payloads[i] = it
	}

	track := newTracker("album", cb, len(payloads))
	var albums []*album
	var ids []model.FullMsgID
	for _, b := range grouping.Partition(gitems, grouping.RegroupAllIntoNewAlbums) {
		a, err := s.newAlbum(base, payloads[b.Start:b.End], track, b.Start)
		if err != nil {
			for _, done := range albums {
				done.abandon()
			}
			return nil, err
		}
		albums = append(albums, a)
		for _, it := range a.items {
			ids = append(ids, it.part.local)
		}
	}
	for _, a := range albums {
		a.begin()
	}
	return ids, nil
}

func (s *Sender) newAlbum(intent model.SendIntent, payloads []model.Payload, track *tracker, firstIndex int) (*album, error) {
	a := &album{s: s, intent: intent, track: track}
	if len(payloads) > 1 {
		a.groupID = s.newGroupID()
	}
	for i, p := range payloads {
		pi := intent
		pi.Payload = p
		pt, err := s.newPart(pi, firstIndex+i, a.groupID)
		if err != nil {
			a.abandon()
			return nil, err
		}
		a.items = append(a.items, &albumItem{part: pt, payload: p})
		s.active[pt.local] = a
	}
	return a, nil
}

// abandon drops an album that was never begun.
func (a *album) abandon() {
	for _, it := range a.items {
		a.s.abandon(it.part)
	}
}

// begin starts the uploads and takes the album's place in the send slot
// right away, so albums go out in the order they were queued no matter
// which uploads finish first. Existing media is ready right away.
func (a *album) begin() {
	for _, it := range a.items {
		switch p := it.payload.(type) {
		case model.ExistingMedia:
			it.key = p.Key
			it.ready = true
		case model.Upload:
			it.upload = a.s.tr.Submit(&transport.Request{
				Method: transport.MethodUploadMedia,
				Peer:   a.intent.Peer,
				Params: transport.UploadMediaParams{Name: p.Name, Class: p.Class, Data: p.Data},
			}, func(res transport.Result) { a.uploaded(it, res, nil) })
		}
	}
	a.ticket = a.s.ser.Submit(sendSlot(a.intent.Peer), a)
}

// uploaded records one finished upload. then, when set, runs instead of
// moving on to send; it is used by the re-upload path of a retry.
func (a *album) uploaded(it *albumItem, res transport.Result, then func()) {
	it.upload = 0
	if it.cancelled || a.state == albumFailed {
		return
	}
	if !res.OK() {
		a.failAll(res.Err)
		return
	}
	if res.Response == nil || res.Response.Uploaded == nil {
		a.failAll(apierr.New(apierr.Unknown, "UPLOAD_EMPTY"))
		return
	}
	m := res.Response.Uploaded.Clone()
	a.s.store.PutMedia(m)
	it.key = m.Key
	it.ready = true

	if then != nil {
		then()
		return
	}
	if a.state == albumBuilding && a.allReady() {
		a.send()
	}
}

func (a *album) live() []*albumItem {
	out := make([]*albumItem, 0, len(a.items))
	for _, it := range a.items {
		if !it.cancelled {
			out = append(out, it)
		}
	}
	return out
}

func (a *album) allReady() bool {
	for _, it := range a.live() {
		if !it.ready {
			return false
		}
	}
	return true
}

// send runs once every live item is ready. An album that has not reached
// the head of the slot yet is sent by Start later.
func (a *album) send() {
	if len(a.live()) == 0 {
		a.state = albumFailed
		a.release()
		return
	}
	if !a.entered {
		return
	}
	if err := a.s.ser.Resubmit(a.ticket); err != nil {
		a.failAll(apierr.FromError(err))
	}
}

// Start holds the slot without a request while uploads are still running.
func (a *album) Start(t serializer.Ticket) transport.Handle {
	a.ticket = t
	a.entered = true
	if a.state == albumBuilding && !a.allReady() {
		return 0
	}
	a.state = albumUploading
	return a.s.tr.Submit(a.request(), a.complete)
}

// release gives the album's place in the slot back, whether or not it
// was reached yet.
func (a *album) release() {
	if !a.s.ser.Withdraw(a.ticket) {
		a.s.ser.Finish(a.ticket)
	}
}

// request builds the multi-media request; a lone item goes out as a plain
// media send.
func (a *album) request() *transport.Request {
	flags := a.s.sendFlags(a.intent)
	live := a.live()

	items := make([]transport.SingleMedia, 0, len(live))
	for _, it := range live {
		m, _ := a.s.store.Media(it.key)
		it.usedRef = m.FileReference
		items = append(items, transport.SingleMedia{
			Media:    transport.InputFromMedia(m),
			RandomID: uint64(it.part.token),
			Caption:  model.Caption(it.payload),
		})
	}

	if len(items) == 1 {
		return &transport.Request{
			Method: transport.MethodSendMedia,
			Peer:   a.intent.Peer,
			Params: transport.SendMediaParams{SendFlags: flags, Media: items[0].Media, Caption: items[0].Caption, RandomID: items[0].RandomID},
		}
	}
	return &transport.Request{
		Method: transport.MethodSendMultiMedia,
		Peer:   a.intent.Peer,
		Params: transport.SendMultiMediaParams{SendFlags: flags, Items: items},
	}
}

func (a *album) parts() []part {
	live := a.live()
	out := make([]part, 0, len(live))
	for _, it := range live {
		out = append(out, it.part)
	}
	return out
}

func (a *album) complete(res transport.Result) {
	if a.state != albumUploading {
		return
	}
	if res.OK() {
		a.state = albumSent
		a.s.confirm(a.parts(), a.track, res.Response)
		a.s.ser.Finish(a.ticket)
		return
	}
	if res.Err.Kind == apierr.StaleFileReference && a.retryReference(res.Err) {
		return
	}
	a.failAll(res.Err)
}

// retryReference refreshes the item named by the error. Uploaded media
// without a refreshable origin is uploaded again instead.
func (a *album) retryReference(cause *apierr.Error) bool {
	if a.retried {
		return false
	}
	live := a.live()
	idx := cause.Index
	if idx < 0 || idx >= len(live) {
		if len(live) != 1 {
			return false
		}
		idx = 0
	}
	it := live[idx]
	media, ok := a.s.store.Media(it.key)
	if !ok {
		return false
	}

	a.retried = true
	a.state = albumRetryingReference
	slog.Info("album item has a stale file reference", "local", it.part.local.String(), "index", idx)

	err := a.s.refs.Refresh(media.Origin, func(fileref.Updated) { a.referenceRefreshed(it, cause) })
	if err == nil {
		if a.s.m != nil {
			a.s.m.Refreshes.Inc()
		}
		return true
	}

	up, isUpload := it.payload.(model.Upload)
	if !errors.Is(err, fileref.ErrNoOrigin) || !isUpload {
		return false
	}
	it.upload = a.s.tr.Submit(&transport.Request{
		Method: transport.MethodUploadMedia,
		Peer:   a.intent.Peer,
		Params: transport.UploadMediaParams{Name: up.Name, Class: up.Class, Data: up.Data},
	}, func(res transport.Result) {
		if !res.OK() {
			it.upload = 0
			a.failAll(cause)
			return
		}
		a.uploaded(it, res, func() { a.referenceRefreshed(it, cause) })
	})
	return true
}

// referenceRefreshed resubmits the album if the item's reference changed.
func (a *album) referenceRefreshed(it *albumItem, cause *apierr.Error) {
	if a.state != albumRetryingReference {
		return
	}
	cur, ok := a.s.store.Media(it.key)
	if !ok || bytes.Equal(cur.FileReference, it.usedRef) {
		a.failAll(cause)
		return
	}
	if a.s.m != nil {
		a.s.m.Retries.Inc()
	}
	a.state = albumUploading
	if err := a.s.ser.Resubmit(a.ticket); err != nil {
		a.failAll(apierr.FromError(err))
	}
}

func (a *album) failAll(err *apierr.Error) {
	if a.state == albumFailed || a.state == albumSent {
		return
	}
	a.state = albumFailed

	for _, it := range a.live() {
		if it.upload != 0 {
			a.s.tr.Cancel(it.upload)
		}
		a.s.failPart(it.part, a.track, err)
	}
	a.release()
}

func (a *album) cancel(local model.FullMsgID) error {
	if a.state == albumBuilding {
		for _, it := range a.items {
			if it.part.local != local || it.cancelled {
				continue
			}
			it.cancelled = true
			if it.upload != 0 {
				a.s.tr.Cancel(it.upload)
			}
			a.s.dropPart(it.part, a.track)
			if a.allReady() {
				a.send()
			}
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotCancellable, local)
	}

	switch a.s.ser.Cancel(a.ticket) {
	case serializer.Withdrawn:
		a.state = albumFailed
		for _, it := range a.live() {
			a.s.dropPart(it.part, a.track)
		}
		return nil
	case serializer.Cancelling:
		if a.state == albumRetryingReference {
			a.failAll(apierr.New(apierr.Cancelled, "cancelled during reference refresh"))
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotCancellable, local)
}
