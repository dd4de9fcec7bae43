package service_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/grouping"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/service"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport/transporttest"
)

func srcMsg(id model.MsgID) model.FullMsgID {
	return model.FullMsgID{Peer: source, Msg: id}
}

// seedSource puts two albums of photos and one text message into the
// source conversation.
func seedSource(h *harness) []model.FullMsgID {
	photo := func(id model.MsgID, group uint64) transport.WireMessage {
		return transport.WireMessage{
			ID:      srcMsg(id),
			GroupID: group,
			Media: &model.Media{
				Key:           model.MediaKey{Kind: model.MediaPhoto, ID: int64(id) * 100},
				FileReference: []byte("ref"),
				Class:         model.ClassVisual,
			},
		}
	}
	h.st.ApplyMessages([]transport.WireMessage{
		photo(10, 7),
		photo(11, 7),
		photo(12, 8),
		{ID: srcMsg(13), Text: "caption-less note"},
	})
	return []model.FullMsgID{srcMsg(10), srcMsg(11), srcMsg(12), srcMsg(13)}
}

func confirmForward(c *transporttest.Call, firstID model.MsgID) *transport.Response {
	p := c.Request.Params.(transport.ForwardMessagesParams)
	resp := &transport.Response{}
	for i, rid := range p.RandomIDs {
		resp.Confirmed = append(resp.Confirmed, model.Confirmation{RandomID: rid, ID: firstID + model.MsgID(i)})
	}
	return resp
}

func TestForward_PreserveKeepsSourceAlbums(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	items := seedSource(h)
	var out outcome

	ids, err := h.s.Forward(items, model.SendIntent{Peer: chat}, grouping.PreserveOriginalGrouping, out.callbacks())
	require.NoError(t, err)
	require.Len(t, ids, 4, "every item is echoed before anything is sent")
	for _, id := range ids {
		assert.Equal(t, model.Sending, lifecycle(t, h.st, id))
	}

	var batches [][]model.MsgID
	next := model.MsgID(300)
	for {
		pending := h.tr.Pending()
		if len(pending) == 0 {
			break
		}
		require.Len(t, pending, 1)
		c := pending[0]
		require.Equal(t, transport.MethodForwardMessages, c.Request.Method)
		p := c.Request.Params.(transport.ForwardMessagesParams)
		assert.Equal(t, source, p.From)
		batches = append(batches, p.IDs)
		h.tr.Complete(c.Handle, confirmForward(c, next))
		next += model.MsgID(len(p.IDs))
	}

	assert.Equal(t, [][]model.MsgID{{10, 11}, {12}, {13}}, batches)
	require.Len(t, out.done, 1)
	assert.Equal(t, []model.FullMsgID{
		{Peer: chat, Msg: 300}, {Peer: chat, Msg: 301}, {Peer: chat, Msg: 302}, {Peer: chat, Msg: 303},
	}, out.done[0])
}

func TestForward_EchoesShareGroupWithinBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	items := seedSource(h)

	ids, err := h.s.Forward(items, model.SendIntent{Peer: chat}, grouping.PreserveOriginalGrouping, service.Callbacks{})
	require.NoError(t, err)

	a, _ := h.st.Message(ids[0])
	b, _ := h.st.Message(ids[1])
	c, _ := h.st.Message(ids[2])
	assert.NotZero(t, a.GroupID)
	assert.Equal(t, a.GroupID, b.GroupID)
	assert.Zero(t, c.GroupID)
}

func TestForward_KeepSeparate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	items := seedSource(h)

	_, err := h.s.Forward(items, model.SendIntent{Peer: chat}, grouping.KeepSeparate, service.Callbacks{})
	require.NoError(t, err)

	for i := 0; i < len(items); i++ {
		c := h.tr.Last()
		assert.Len(t, c.Request.Params.(transport.ForwardMessagesParams).IDs, 1)
		h.tr.Complete(c.Handle, confirmForward(c, model.MsgID(400+i)))
	}
	assert.Len(t, h.tr.ByMethod(transport.MethodForwardMessages), len(items))
}

func TestForward_RegroupBuildsNewAlbum(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	items := seedSource(h)
	var out outcome

	ids, err := h.s.Forward(items, model.SendIntent{Peer: chat}, grouping.RegroupAllIntoNewAlbums, out.callbacks())
	require.NoError(t, err)
	require.Len(t, ids, 4)
	assert.Empty(t, h.tr.ByMethod(transport.MethodForwardMessages))

	albums := h.tr.ByMethod(transport.MethodSendMultiMedia)
	require.Len(t, albums, 1)
	p := albums[0].Request.Params.(transport.SendMultiMediaParams)
	require.Len(t, p.Items, 3, "photos from both source albums are regrouped")
	assert.Equal(t, int64(1000), p.Items[0].Media.ID)
	assert.Equal(t, []byte("ref"), p.Items[0].Media.FileReference)
	h.tr.Complete(albums[0].Handle, confirmAlbum(albums[0], 500))

	text := h.tr.Last()
	require.Equal(t, transport.MethodSendMessage, text.Request.Method, "the text is rebuilt as a plain send")
	assert.Equal(t, "caption-less note", text.Request.Params.(transport.SendMessageParams).Text)
	h.tr.Complete(text.Handle, confirmText(text, 503))

	require.Len(t, out.done, 1)
	assert.Len(t, out.done[0], 4)
}

func TestForward_FailureFailsWholeBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	items := seedSource(h)
	var out outcome

	ids, err := h.s.Forward(items[:2], model.SendIntent{Peer: chat}, grouping.PreserveOriginalGrouping, out.callbacks())
	require.NoError(t, err)

	h.tr.Fail(h.tr.Last().Handle, apierr.Classify(400, "CHANNEL_TOO_LARGE"))

	for _, id := range ids {
		assert.Equal(t, model.Failed, lifecycle(t, h.st, id))
	}
	require.Len(t, out.fails, 1)
	assert.Equal(t, apierr.ChannelTooLarge, apierr.KindOf(out.fails[0]))
}

func TestForward_CancelQueuedBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	items := seedSource(h)

	ids, err := h.s.Forward(items, model.SendIntent{Peer: chat}, grouping.PreserveOriginalGrouping, service.Callbacks{})
	require.NoError(t, err)

	require.NoError(t, h.s.Cancel(ids[3]))
	_, ok := h.st.Message(ids[3])
	assert.False(t, ok)

	c := h.tr.Last()
	h.tr.Complete(c.Handle, confirmForward(c, 600))
	c = h.tr.Last()
	h.tr.Complete(c.Handle, confirmForward(c, 602))

	assert.Len(t, h.tr.ByMethod(transport.MethodForwardMessages), 2)
}

func TestForward_RejectsInvalidSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	seedSource(h)

	_, err := h.s.Forward(nil, model.SendIntent{Peer: chat}, grouping.PreserveOriginalGrouping, service.Callbacks{})
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))

	_, err = h.s.Forward([]model.FullMsgID{srcMsg(99)}, model.SendIntent{Peer: chat}, grouping.PreserveOriginalGrouping, service.Callbacks{})
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))

	local, err := h.s.Send(model.SendIntent{Peer: source, Payload: model.Text{Text: "pending"}}, service.Callbacks{})
	require.NoError(t, err)
	_, err = h.s.Forward(local, model.SendIntent{Peer: chat}, grouping.PreserveOriginalGrouping, service.Callbacks{})
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))

	_, err = h.s.Forward([]model.FullMsgID{srcMsg(10)}, model.SendIntent{Peer: readOnly}, grouping.PreserveOriginalGrouping, service.Callbacks{})
	assert.Equal(t, apierr.Validation, apierr.KindOf(err))
	assert.False(t, errors.Is(err, service.ErrUnknownMessage))

	assert.Len(t, h.tr.Calls(), 1, "only the local send reached the transport")
}
