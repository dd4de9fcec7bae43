// Package fileref refreshes stale binary file references. Concurrent
// refreshes of the same origin share a single request.
package fileref

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

var ErrNoOrigin = errors.New("no refresh request for file origin")

// Updated maps every object mentioned in a refresh response to its current
// reference. It is empty when the refresh failed.
type Updated map[model.MediaKey][]byte

type Handler func(Updated)

type Store interface {
	Peer(id model.PeerID) (model.Peer, bool)
	Message(id model.FullMsgID) (model.Message, bool)
	Media(key model.MediaKey) (model.Media, bool)
	PutMedia(m model.Media)
	SetFileReference(key model.MediaKey, ref []byte) bool
	ApplyMessages(msgs []transport.WireMessage)
}

type Refresher struct {
	tr    transport.Transport
	store Store
	self  int64

	pending map[model.FileOrigin][]Handler

	// Requests counts refresh requests issued.
	Requests int
}

// New builds a Refresher; self is the account's own user id, used to pick
// how wallpapers are looked up.
func New(tr transport.Transport, store Store, self int64) *Refresher {
	return &Refresher{
		tr:      tr,
		store:   store,
		self:    self,
		pending: make(map[model.FileOrigin][]Handler),
	}
}

// Refresh queues h for the next refresh of origin, issuing the request if
// none is in flight. Origins that cannot be refreshed fail with ErrNoOrigin
// and h is never called.
func (r *Refresher) Refresh(origin model.FileOrigin, h Handler) error {
	if handlers, ok := r.pending[origin]; ok {
		r.pending[origin] = append(handlers, h)
		return nil
	}

	req, err := r.requestFor(origin)
	if err != nil {
		return err
	}

	r.pending[origin] = []Handler{h}
	r.Requests++
	slog.Debug("refreshing file reference", "origin", string(origin.Kind), "method", string(req.Method))

	r.tr.Submit(req, func(res transport.Result) {
		r.complete(origin, res)
	})
	return nil
}

// InFlight reports whether a refresh for origin is outstanding.
func (r *Refresher) InFlight(origin model.FileOrigin) bool {
	_, ok := r.pending[origin]
	return ok
}

// Waiters is the number of handlers queued for origin.
func (r *Refresher) Waiters(origin model.FileOrigin) int {
	return len(r.pending[origin])
}

func (r *Refresher) complete(origin model.FileOrigin, res transport.Result) {
	handlers := r.pending[origin]
	delete(r.pending, origin)

	updated := Updated{}
	if res.OK() {
		updated = r.apply(origin, res.Response)
	} else {
		slog.Warn("file reference refresh failed", "origin", string(origin.Kind), "err", res.Err)
	}

	for _, h := range handlers {
		h(updated)
	}
}

// apply writes every reference found in resp to the store before any
// handler runs.
func (r *Refresher) apply(origin model.FileOrigin, resp *transport.Response) Updated {
	out := Extract(resp)
	if resp == nil {
		return out
	}

	r.store.ApplyMessages(resp.Messages)

	for _, m := range resp.Media {
		if _, known := r.store.Media(m.Key); known {
			r.store.SetFileReference(m.Key, m.FileReference)
			continue
		}
		m = m.Clone()
		if m.Origin.Kind == model.OriginNone {
			m.Origin = origin
		}
		r.store.PutMedia(m)
	}
	if resp.Uploaded != nil {
		r.store.SetFileReference(resp.Uploaded.Key, resp.Uploaded.FileReference)
	}
	return out
}

// Extract collects the reference of every media object in resp.
func Extract(resp *transport.Response) Updated {
	out := Updated{}
	if resp == nil {
		return out
	}
	add := func(m *model.Media) {
		if m == nil || len(m.FileReference) == 0 {
			return
		}
		out[m.Key] = append([]byte(nil), m.FileReference...)
	}
	for i := range resp.Messages {
		add(resp.Messages[i].Media)
	}
	for i := range resp.Media {
		add(&resp.Media[i])
	}
	for i := range resp.Confirmed {
		add(resp.Confirmed[i].Media)
	}
	add(resp.Uploaded)
	return out
}

func (r *Refresher) requestFor(o model.FileOrigin) (*transport.Request, error) {
	switch o.Kind {
	case model.OriginMessage:
		return r.messageRequest(o.Message)

	case model.OriginUserPhoto:
		return &transport.Request{
			Method: transport.MethodGetUserPhotos,
			Params: transport.GetUserPhotosParams{UserID: o.UserID, MaxID: o.PhotoID, Offset: -1, Limit: 1},
		}, nil

	case model.OriginStickerSet:
		switch o.SetID {
		case model.StickerSetRecent, model.StickerSetCloudRecent:
			return &transport.Request{Method: transport.MethodGetRecentStickers, Params: transport.GetRecentStickersParams{}}, nil
		case model.StickerSetRecentAttached:
			return &transport.Request{Method: transport.MethodGetRecentStickers, Params: transport.GetRecentStickersParams{Attached: true}}, nil
		case model.StickerSetFaved:
			return &transport.Request{Method: transport.MethodGetFavedStickers}, nil
		}
		return &transport.Request{
			Method: transport.MethodGetStickerSet,
			Params: transport.GetStickerSetParams{SetID: o.SetID, AccessHash: o.AccessHash},
		}, nil

	case model.OriginSavedGifs:
		return &transport.Request{Method: transport.MethodGetSavedGifs}, nil

	case model.OriginWallpaper:
		p := transport.GetWallPaperParams{PaperID: o.PaperID, AccessHash: o.AccessHash}
		if o.OwnerID != 0 && o.OwnerID != r.self && o.Slug != "" {
			p = transport.GetWallPaperParams{Slug: o.Slug}
		}
		return &transport.Request{Method: transport.MethodGetWallPaper, Params: p}, nil

	case model.OriginTheme:
		return &transport.Request{
			Method: transport.MethodGetTheme,
			Params: transport.GetThemeParams{ThemeID: o.ThemeID, AccessHash: o.AccessHash},
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoOrigin, o.Kind)
}

func (r *Refresher) messageRequest(id model.FullMsgID) (*transport.Request, error) {
	if !model.IsServerMsgID(id.Msg) {
		return nil, fmt.Errorf("%w: local message %s", ErrNoOrigin, id)
	}
	ids := []model.MsgID{id.Msg}

	if m, ok := r.store.Message(id); ok && m.Scheduled {
		return &transport.Request{
			Method: transport.MethodGetScheduledMessages,
			Peer:   id.Peer,
			Params: transport.GetMessagesParams{IDs: ids},
		}, nil
	}
	if p, ok := r.store.Peer(id.Peer); ok && p.IsChannel() {
		return &transport.Request{
			Method: transport.MethodGetChannelMessages,
			Peer:   id.Peer,
			Params: transport.GetMessagesParams{Channel: id.Peer, IDs: ids},
		}, nil
	}
	return &transport.Request{
		Method: transport.MethodGetMessages,
		Params: transport.GetMessagesParams{IDs: ids},
	}, nil
}
