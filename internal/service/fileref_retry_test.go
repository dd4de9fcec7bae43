package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/service"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

var (
	photoKey    = model.MediaKey{Kind: model.MediaPhoto, ID: 900}
	photoSource = model.FullMsgID{Peer: chat, Msg: 10}
)

func withPhoto(h *harness, ref string) {
	h.st.PutMedia(model.Media{
		Key:           photoKey,
		AccessHash:    77,
		FileReference: []byte(ref),
		Class:         model.ClassVisual,
		Origin:        model.OriginForMessage(photoSource),
	})
}

func refreshedWith(ref string) *transport.Response {
	return &transport.Response{Messages: []transport.WireMessage{{
		ID:    photoSource,
		Media: &model.Media{Key: photoKey, AccessHash: 77, FileReference: []byte(ref), Class: model.ClassVisual},
	}}}
}

func sendPhoto(t *testing.T, h *harness, out *outcome) model.FullMsgID {
	t.Helper()
	ids, err := h.s.Send(model.SendIntent{Peer: chat, Payload: model.ExistingMedia{Key: photoKey, Caption: "pic"}}, out.callbacks())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func stale() *apierr.Error {
	return apierr.Classify(400, "FILE_REFERENCE_EXPIRED")
}

func TestSend_StaleReferenceRefreshedAndRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	withPhoto(h, "R1")
	var out outcome
	local := sendPhoto(t, h, &out)

	first := h.tr.Last()
	require.Equal(t, transport.MethodSendMedia, first.Request.Method)
	sent := first.Request.Params.(transport.SendMediaParams)
	assert.Equal(t, []byte("R1"), sent.Media.FileReference)

	h.tr.Fail(first.Handle, stale())
	assert.Equal(t, model.Sending, lifecycle(t, h.st, local), "echo stays Sending during the refresh")

	refresh := h.tr.Last()
	require.Equal(t, transport.MethodGetMessages, refresh.Request.Method)
	h.tr.Complete(refresh.Handle, refreshedWith("R2"))

	retry := h.tr.Last()
	require.Equal(t, transport.MethodSendMedia, retry.Request.Method)
	resent := retry.Request.Params.(transport.SendMediaParams)
	assert.Equal(t, []byte("R2"), resent.Media.FileReference)
	assert.Equal(t, sent.RandomID, resent.RandomID, "the retry reuses the token")

	h.tr.Complete(retry.Handle, confirmMedia(retry, 40))

	assert.Equal(t, model.Confirmed, lifecycle(t, h.st, model.FullMsgID{Peer: chat, Msg: 40}))
	assert.Len(t, out.done, 1)
	assert.Empty(t, out.fails)
}

func TestSend_StaleReferenceUnchangedFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	withPhoto(h, "R1")
	var out outcome
	local := sendPhoto(t, h, &out)

	h.tr.Fail(h.tr.Last().Handle, stale())
	refresh := h.tr.Last()
	h.tr.Complete(refresh.Handle, refreshedWith("R1"))

	assert.Len(t, h.tr.ByMethod(transport.MethodSendMedia), 1, "no resubmission when nothing changed")
	assert.Equal(t, model.Failed, lifecycle(t, h.st, local))
	require.Len(t, out.fails, 1)
	assert.Equal(t, apierr.StaleFileReference, apierr.KindOf(out.fails[0]))
}

func TestSend_StaleReferenceRetriedAtMostOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	withPhoto(h, "R1")
	var out outcome
	local := sendPhoto(t, h, &out)

	h.tr.Fail(h.tr.Last().Handle, stale())
	h.tr.Complete(h.tr.Last().Handle, refreshedWith("R2"))

	// The server keeps rejecting the fresh reference too.
	h.tr.Fail(h.tr.Last().Handle, stale())

	assert.Len(t, h.tr.ByMethod(transport.MethodSendMedia), 2)
	assert.Len(t, h.tr.ByMethod(transport.MethodGetMessages), 1)
	assert.Equal(t, model.Failed, lifecycle(t, h.st, local))
	assert.Len(t, out.fails, 1)
	assert.Empty(t, h.tr.Pending())
}

func TestSend_StaleReferenceWithoutOriginFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	h.st.PutMedia(model.Media{Key: photoKey, FileReference: []byte("R1")})
	var out outcome
	local := sendPhoto(t, h, &out)

	h.tr.Fail(h.tr.Last().Handle, stale())

	assert.Len(t, h.tr.Calls(), 1, "no refresh request for an unknown origin")
	assert.Equal(t, model.Failed, lifecycle(t, h.st, local))
	assert.Len(t, out.fails, 1)
}

func TestSend_RefreshKeepsSlotHeld(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	withPhoto(h, "R1")
	sendPhoto(t, h, &outcome{})
	_, err := h.s.Send(model.SendIntent{Peer: chat, Payload: model.Text{Text: "after"}}, service.Callbacks{})
	require.NoError(t, err)

	h.tr.Fail(h.tr.Last().Handle, stale())
	assert.Empty(t, h.tr.ByMethod(transport.MethodSendMessage), "the text waits behind the refresh")

	h.tr.Complete(h.tr.Last().Handle, refreshedWith("R2"))
	retry := h.tr.Last()
	h.tr.Complete(retry.Handle, confirmMedia(retry, 41))

	require.Len(t, h.tr.ByMethod(transport.MethodSendMessage), 1)
}

func TestCancel_DuringRefreshFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, service.Options{})
	withPhoto(h, "R1")
	var out outcome
	local := sendPhoto(t, h, &out)

	h.tr.Fail(h.tr.Last().Handle, stale())
	require.NoError(t, h.s.Cancel(local))
	h.tr.Complete(h.tr.Last().Handle, refreshedWith("R2"))

	assert.Len(t, h.tr.ByMethod(transport.MethodSendMedia), 1)
	require.Len(t, out.fails, 1)
	assert.Equal(t, apierr.Cancelled, apierr.KindOf(out.fails[0]))
}
