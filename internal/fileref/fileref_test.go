package fileref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/store"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport/transporttest"
)

var photo = model.MediaKey{Kind: model.MediaPhoto, ID: 501}

func setup(t *testing.T) (*Refresher, *transporttest.Fake, *store.Memory) {
	t.Helper()

	tr := transporttest.New()
	st := store.NewMemory(nil)
	st.PutPeer(model.Peer{ID: 1, Kind: model.PeerUser, CanWrite: true})
	st.PutPeer(model.Peer{ID: 2, Kind: model.PeerChannel, CanWrite: true})
	st.PutMedia(model.Media{Key: photo, FileReference: []byte("old")})
	return New(tr, st, 42), tr, st
}

func TestRefresh_CoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()

	r, tr, st := setup(t)
	origin := model.OriginForMessage(model.FullMsgID{Peer: 1, Msg: 10})

	const k = 5
	var notified []Updated
	for range k + 1 {
		require.NoError(t, r.Refresh(origin, func(u Updated) { notified = append(notified, u) }))
	}

	require.Len(t, tr.Calls(), 1, "exactly one refresh request per origin")
	assert.Equal(t, k+1, r.Waiters(origin))
	assert.Empty(t, notified)

	var seenRef []byte
	st.Subscribe(func(c store.Change) {
		if c.Kind == store.ChangeUpdated && len(notified) == 0 {
			m, _ := st.Media(photo)
			seenRef = m.FileReference
		}
	})

	tr.Complete(tr.Calls()[0].Handle, &transport.Response{
		Messages: []transport.WireMessage{{
			ID:    model.FullMsgID{Peer: 1, Msg: 10},
			Media: &model.Media{Key: photo, FileReference: []byte("new")},
		}},
	})

	require.Len(t, notified, k+1)
	for _, u := range notified {
		assert.Equal(t, []byte("new"), u[photo])
	}
	assert.Equal(t, []byte("new"), seenRef, "store updated before handlers ran")
	assert.False(t, r.InFlight(origin))

	// A later refresh issues a new request.
	require.NoError(t, r.Refresh(origin, func(Updated) {}))
	assert.Len(t, tr.Calls(), 2)
}

func TestRefresh_FailureNotifiesAllWithEmptyUpdate(t *testing.T) {
	t.Parallel()

	r, tr, _ := setup(t)
	origin := model.OriginForSavedGifs()

	calls := 0
	for range 3 {
		require.NoError(t, r.Refresh(origin, func(u Updated) {
			calls++
			assert.Empty(t, u)
		}))
	}
	tr.Fail(tr.Calls()[0].Handle, apierr.New(apierr.Transport, "reset"))

	assert.Equal(t, 3, calls)
	assert.False(t, r.InFlight(origin))
}

func TestRefresh_NoOrigin(t *testing.T) {
	t.Parallel()

	r, tr, _ := setup(t)

	for _, o := range []model.FileOrigin{
		{},
		{Kind: model.OriginPeerPhoto},
		model.OriginForMessage(model.FullMsgID{Peer: 1, Msg: model.StartProvisionalMsgID}),
	} {
		err := r.Refresh(o, func(Updated) { t.Fatalf("handler must not run") })
		require.ErrorIs(t, err, ErrNoOrigin)
		assert.False(t, r.InFlight(o))
	}
	assert.Empty(t, tr.Calls())
}

func TestRefresh_RequestShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		origin model.FileOrigin
		method transport.Method
		params any
	}{
		{"plain message", model.OriginForMessage(model.FullMsgID{Peer: 1, Msg: 3}), transport.MethodGetMessages,
			transport.GetMessagesParams{IDs: []model.MsgID{3}}},
		{"channel message", model.OriginForMessage(model.FullMsgID{Peer: 2, Msg: 3}), transport.MethodGetChannelMessages,
			transport.GetMessagesParams{Channel: 2, IDs: []model.MsgID{3}}},
		{"user photo", model.OriginForUserPhoto(7, 99), transport.MethodGetUserPhotos,
			transport.GetUserPhotosParams{UserID: 7, MaxID: 99, Offset: -1, Limit: 1}},
		{"sticker set", model.OriginForStickerSet(11, 12), transport.MethodGetStickerSet,
			transport.GetStickerSetParams{SetID: 11, AccessHash: 12}},
		{"recent stickers", model.OriginForStickerSet(model.StickerSetRecent, 0), transport.MethodGetRecentStickers,
			transport.GetRecentStickersParams{}},
		{"recent attached", model.OriginForStickerSet(model.StickerSetRecentAttached, 0), transport.MethodGetRecentStickers,
			transport.GetRecentStickersParams{Attached: true}},
		{"faved stickers", model.OriginForStickerSet(model.StickerSetFaved, 0), transport.MethodGetFavedStickers, nil},
		{"saved gifs", model.OriginForSavedGifs(), transport.MethodGetSavedGifs, nil},
		{"own wallpaper", model.OriginForWallpaper(5, 6, 42, "slug"), transport.MethodGetWallPaper,
			transport.GetWallPaperParams{PaperID: 5, AccessHash: 6}},
		{"foreign wallpaper", model.OriginForWallpaper(5, 6, 43, "slug"), transport.MethodGetWallPaper,
			transport.GetWallPaperParams{Slug: "slug"}},
		{"theme", model.OriginForTheme(8, 9), transport.MethodGetTheme,
			transport.GetThemeParams{ThemeID: 8, AccessHash: 9}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r, tr, _ := setup(t)
			require.NoError(t, r.Refresh(c.origin, func(Updated) {}))
			require.Len(t, tr.Calls(), 1)
			assert.Equal(t, c.method, tr.Last().Request.Method)
			assert.Equal(t, c.params, tr.Last().Request.Params)
		})
	}
}

func TestRefresh_ScheduledMessage(t *testing.T) {
	t.Parallel()

	r, tr, st := setup(t)
	id := model.FullMsgID{Peer: 1, Msg: 20}
	st.ApplyMessages([]transport.WireMessage{{ID: id, Text: "later", Scheduled: true}})

	require.NoError(t, r.Refresh(model.OriginForMessage(id), func(Updated) {}))
	assert.Equal(t, transport.MethodGetScheduledMessages, tr.Last().Request.Method)
}

func TestRefresh_StoresUnknownMediaWithOrigin(t *testing.T) {
	t.Parallel()

	r, tr, st := setup(t)
	origin := model.OriginForStickerSet(11, 12)
	sticker := model.MediaKey{Kind: model.MediaDocument, ID: 900}

	var got Updated
	require.NoError(t, r.Refresh(origin, func(u Updated) { got = u }))
	tr.Complete(tr.Last().Handle, &transport.Response{
		Media: []model.Media{{Key: sticker, FileReference: []byte("s")}},
	})

	assert.Equal(t, []byte("s"), got[sticker])
	m, ok := st.Media(sticker)
	require.True(t, ok)
	assert.Equal(t, origin, m.Origin)
}
