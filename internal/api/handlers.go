package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/cache"
	"github.com/LeventeLantos/delivery-pipeline/internal/grouping"
	"github.com/LeventeLantos/delivery-pipeline/internal/loop"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/service"
	"github.com/LeventeLantos/delivery-pipeline/internal/store"
)

const idempotencyHeader = "Idempotency-Key"

// Controller is the control loop as seen by the API.
type Controller interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Call(ctx context.Context, fn func()) error
}

// FailedLister is the durable journal's view of failed echoes.
type FailedLister interface {
	ListFailed(ctx context.Context, limit, offset int) ([]store.Record, error)
}

type Deps struct {
	Loop   Controller
	Sender *service.Sender
	Store  *store.Memory
	// Journal and Idempotency are optional.
	Journal     FailedLister
	Idempotency cache.IdempotencyStore
	Metrics     http.Handler
}

type Handler struct {
	loop    Controller
	sender  *service.Sender
	store   *store.Memory
	journal FailedLister
	idem    cache.IdempotencyStore
	metrics http.Handler
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		loop:    d.Loop,
		sender:  d.Sender,
		store:   d.Store,
		journal: d.Journal,
		idem:    d.Idempotency,
		metrics: d.Metrics,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) LoopStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.loop.IsRunning()})
}

func (h *Handler) LoopStart(w http.ResponseWriter, r *http.Request) {
	h.loop.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.loop.IsRunning()})
}

func (h *Handler) LoopStop(w http.ResponseWriter, r *http.Request) {
	h.loop.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.loop.IsRunning()})
}

type peerRequest struct {
	Kind     model.PeerKind `json:"kind"`
	CanWrite bool           `json:"canWrite"`
}

func (h *Handler) PutPeer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("peer"), 10, 64)
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}
	var req peerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = model.PeerUser
	}

	p := model.Peer{ID: model.PeerID(id), Kind: req.Kind, CanWrite: req.CanWrite}
	h.store.PutPeer(p)
	writeJSON(w, http.StatusOK, p)
}

type optionsRequest struct {
	ReplyTo      model.MsgID  `json:"replyTo"`
	Silent       bool         `json:"silent"`
	ScheduleDate int64        `json:"scheduleDate"`
	SendAs       model.PeerID `json:"sendAs"`
}

func (o optionsRequest) options() model.SendOptions {
	return model.SendOptions{ScheduleDate: o.ScheduleDate, Silent: o.Silent, SendAs: o.SendAs}
}

type mediaRequest struct {
	Kind    model.MediaKind `json:"kind"`
	ID      int64           `json:"id"`
	Caption string          `json:"caption"`
}

type sendRequest struct {
	Peer model.PeerID `json:"peer"`
	optionsRequest
	ClearDraft bool `json:"clearDraft"`

	Text      string          `json:"text"`
	NoWebpage bool            `json:"noWebpage"`
	Media     *mediaRequest   `json:"media"`
	Upload    *model.Upload   `json:"upload"`
	Location  *model.Location `json:"location"`
	Contact   *model.Contact  `json:"contact"`
	Poll      *model.Poll     `json:"poll"`
	Dice      *model.Dice     `json:"dice"`
}

func (s sendRequest) payload() model.Payload {
	switch {
	case s.Media != nil:
		return model.ExistingMedia{Key: model.MediaKey{Kind: s.Media.Kind, ID: s.Media.ID}, Caption: s.Media.Caption}
	case s.Upload != nil:
		return *s.Upload
	case s.Location != nil:
		return *s.Location
	case s.Contact != nil:
		return *s.Contact
	case s.Poll != nil:
		return *s.Poll
	case s.Dice != nil:
		return *s.Dice
	case s.Text != "":
		return model.Text{Text: s.Text, NoWebpage: s.NoWebpage}
	}
	return nil
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	intent := model.SendIntent{
		Peer:       req.Peer,
		ReplyTo:    req.ReplyTo,
		Options:    req.options(),
		ClearDraft: req.ClearDraft,
		Payload:    req.payload(),
	}

	h.idempotent(w, r, func() ([]model.FullMsgID, error) {
		return h.sender.Send(intent, h.logged("send"))
	})
}

type forwardRequest struct {
	To model.PeerID `json:"to"`
	optionsRequest
	Policy string            `json:"policy"`
	Items  []model.FullMsgID `json:"items"`
}

func (h *Handler) Forward(w http.ResponseWriter, r *http.Request) {
	var req forwardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	policy, err := grouping.ParsePolicy(req.Policy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to := model.SendIntent{Peer: req.To, ReplyTo: req.ReplyTo, Options: req.options()}

	h.idempotent(w, r, func() ([]model.FullMsgID, error) {
		return h.sender.Forward(req.Items, to, policy, h.logged("forward"))
	})
}

type albumRequest struct {
	Peer model.PeerID `json:"peer"`
	optionsRequest
	Items []model.Upload `json:"items"`
}

func (h *Handler) SendAlbum(w http.ResponseWriter, r *http.Request) {
	var req albumRequest
	if !decodeBody(w, r, &req) {
		return
	}
	intent := model.AlbumIntent{Peer: req.Peer, ReplyTo: req.ReplyTo, Options: req.options(), Items: req.Items}

	h.idempotent(w, r, func() ([]model.FullMsgID, error) {
		return h.sender.SendAlbum(intent, h.logged("album"))
	})
}

type voteRequest struct {
	Message model.FullMsgID `json:"message"`
	Options [][]byte        `json:"options"`
}

func (h *Handler) SendVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var err error
	if !h.onLoop(w, r, func() { err = h.sender.SendVote(req.Message, req.Options, h.logged("vote")) }) {
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message": req.Message})
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	var err error
	if !h.onLoop(w, r, func() { err = h.sender.Cancel(id) }) {
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"cancelling": id})
}

func (h *Handler) ResendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	h.idempotent(w, r, func() ([]model.FullMsgID, error) {
		return h.sender.Resend(id, h.logged("resend"))
	})
}

// LoadMessage queues the message for the next batched fetch.
func (h *Handler) LoadMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if !h.onLoop(w, r, func() {
		h.sender.RequestAuxiliaryData(id, func(k model.FullMsgID, err *apierr.Error) {
			if err != nil {
				slog.Warn("message load failed", "id", k.String(), "err", err)
			}
		})
	}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"loading": id})
}

type messageView struct {
	ID        model.FullMsgID   `json:"id"`
	GroupID   uint64            `json:"groupId,omitempty"`
	ReplyTo   model.MsgID       `json:"replyTo,omitempty"`
	Date      time.Time         `json:"date"`
	Kind      model.PayloadKind `json:"kind,omitempty"`
	Text      string            `json:"text,omitempty"`
	Lifecycle model.Lifecycle   `json:"lifecycle"`
	Scheduled bool              `json:"scheduled,omitempty"`
	LastError string            `json:"lastError,omitempty"`
}

func viewOf(m model.Message) messageView {
	v := messageView{
		ID:        m.ID,
		GroupID:   m.GroupID,
		ReplyTo:   m.ReplyTo,
		Date:      m.Date,
		Text:      model.Caption(m.Payload),
		Lifecycle: m.Lifecycle,
		Scheduled: m.Scheduled,
		LastError: m.LastError,
	}
	if m.Payload != nil {
		v.Kind = m.Payload.Kind()
	}
	return v
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	peer, err := strconv.ParseInt(r.PathValue("peer"), 10, 64)
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	msgs := h.store.Messages(model.PeerID(peer))
	items := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, viewOf(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListFailed reads from the durable journal when there is one, so echoes
// that failed before a restart are listed too.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	if h.journal != nil {
		items, err := h.journal.ListFailed(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	failed := h.store.ListFailed()
	items := make([]messageView, 0)
	for i := offset; i < len(failed) && len(items) < limit; i++ {
		if i < 0 {
			continue
		}
		items = append(items, viewOf(failed[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	peer, err := strconv.ParseInt(r.PathValue("peer"), 10, 64)
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}
	var d model.Draft
	if !decodeBody(w, r, &d) {
		return
	}
	if !h.onLoop(w, r, func() { err = h.sender.SaveDraft(model.PeerID(peer), d) }) {
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// idempotent runs submit on the loop. With an Idempotency-Key header and a
// configured store, a repeated key replays the ids of the first request.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, submit func() ([]model.FullMsgID, error)) {
	key := r.Header.Get(idempotencyHeader)
	useKey := key != "" && h.idem != nil

	if useKey {
		ids, found, err := h.idem.Lookup(r.Context(), key)
		switch {
		case errors.Is(err, cache.ErrInProgress):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		case found:
			writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "replayed": true})
			return
		}

		claimed, err := h.idem.Claim(r.Context(), key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !claimed {
			http.Error(w, cache.ErrInProgress.Error(), http.StatusConflict)
			return
		}
	}

	var (
		ids []model.FullMsgID
		err error
	)
	ran := h.onLoop(w, r, func() { ids, err = submit() })
	if ran && err == nil {
		if useKey {
			if rerr := h.idem.Remember(r.Context(), key, ids); rerr != nil {
				slog.Warn("remember idempotency key failed", "key", key, "err", rerr)
			}
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
		return
	}

	if useKey {
		if rerr := h.idem.Release(r.Context(), key); rerr != nil {
			slog.Warn("release idempotency key failed", "key", key, "err", rerr)
		}
	}
	if ran {
		writeError(w, err)
	}
}

// onLoop runs fn on the control loop. It writes the error response itself
// and reports false when fn did not run.
func (h *Handler) onLoop(w http.ResponseWriter, r *http.Request, fn func()) bool {
	err := h.loop.Call(r.Context(), fn)
	switch {
	case err == nil:
		return true
	case errors.Is(err, loop.ErrNotRunning):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	}
	return false
}

// logged reports the final outcome of an accepted operation in the log.
func (h *Handler) logged(op string) service.Callbacks {
	return service.Callbacks{
		OnDone: func(ids []model.FullMsgID) {
			slog.Info("delivered", "op", op, "count", len(ids))
		},
		OnFail: func(err error) {
			slog.Warn("delivery failed", "op", op, "kind", apierr.KindOf(err).String(), "err", err)
		},
	}
}

func messageID(w http.ResponseWriter, r *http.Request) (model.FullMsgID, bool) {
	peer, err := strconv.ParseInt(r.PathValue("peer"), 10, 64)
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return model.FullMsgID{}, false
	}
	msg, err := strconv.ParseInt(r.PathValue("msg"), 10, 64)
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return model.FullMsgID{}, false
	}
	return model.FullMsgID{Peer: model.PeerID(peer), Msg: model.MsgID(msg)}, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apierr.KindOf(err) == apierr.Validation:
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownMessage):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotFailed),
		errors.Is(err, service.ErrNotCancellable),
		errors.Is(err, service.ErrVoteInProgress):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
