package service

import (
	"log/slog"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

// tracker collects the outcome of every part of one operation and reports
// it exactly once.
type tracker struct {
	op       string
	cb       Callbacks
	ids      []model.FullMsgID
	live     []bool
	pending  int
	finished bool
}

func newTracker(op string, cb Callbacks, n int) *tracker {
	live := make([]bool, n)
	for i := range live {
		live[i] = true
	}
	return &tracker{
		op:      op,
		cb:      cb,
		ids:     make([]model.FullMsgID, n),
		live:    live,
		pending: n,
	}
}

func (t *tracker) confirm(i int, id model.FullMsgID) {
	if t.finished || !t.live[i] {
		return
	}
	t.ids[i] = id
	t.pending--
	if t.pending == 0 {
		t.done()
	}
}

// drop forgets a cancelled part. When nothing else is left the operation
// counts as cancelled.
func (t *tracker) drop(i int) {
	if t.finished || !t.live[i] {
		return
	}
	t.live[i] = false
	t.pending--
	if t.pending > 0 {
		return
	}
	for _, ok := range t.live {
		if ok {
			t.done()
			return
		}
	}
	t.fail(apierr.New(apierr.Cancelled, "all items cancelled"))
}

func (t *tracker) fail(err error) {
	if t.finished {
		return
	}
	t.finished = true
	if t.cb.OnFail == nil {
		slog.Error("send failed", "op", t.op, "err", err)
		return
	}
	t.cb.OnFail(err)
}

func (t *tracker) done() {
	t.finished = true
	if t.cb.OnDone == nil {
		return
	}
	ids := make([]model.FullMsgID, 0, len(t.ids))
	for i, id := range t.ids {
		if t.live[i] {
			ids = append(ids, id)
		}
	}
	t.cb.OnDone(ids)
}
