// Package resolve coalesces "fetch data for X" requests arriving within a
// short window into one request per destination.
package resolve

import (
	"log/slog"
	"time"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/loop"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

const DefaultDelay = 5 * time.Millisecond

// Fetcher knows how targets are grouped and fetched.
type Fetcher[K comparable, D comparable] interface {
	Destination(target K) D
	Request(dest D, targets []K) *transport.Request
	Apply(dest D, resp *transport.Response)
}

// Callback runs once the request covering target completed. err is nil on
// success even when the response did not mention target.
type Callback[K comparable] func(target K, err *apierr.Error)

type batch[K comparable, D comparable] struct {
	dest    D
	targets []K
}

type Queue[K comparable, D comparable] struct {
	tr     transport.Transport
	timers loop.Timers
	delay  time.Duration
	fetch  Fetcher[K, D]

	pending   []K
	queued    map[K]struct{}
	callbacks map[K][]Callback[K]
	inflight  map[K]transport.Handle
	batches   map[transport.Handle]batch[K, D]
	timer     loop.Timer

	// Flushes counts requests issued.
	Flushes int
}

func NewQueue[K comparable, D comparable](tr transport.Transport, timers loop.Timers, delay time.Duration, f Fetcher[K, D]) *Queue[K, D] {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Queue[K, D]{
		tr:        tr,
		timers:    timers,
		delay:     delay,
		fetch:     f,
		queued:    make(map[K]struct{}),
		callbacks: make(map[K][]Callback[K]),
		inflight:  make(map[K]transport.Handle),
		batches:   make(map[transport.Handle]batch[K, D]),
	}
}

// Request adds cb to target's waiters and schedules a fetch unless one is
// already queued or in flight for target.
func (q *Queue[K, D]) Request(target K, cb Callback[K]) {
	q.callbacks[target] = append(q.callbacks[target], cb)

	if _, ok := q.inflight[target]; ok {
		return
	}
	if _, ok := q.queued[target]; ok {
		return
	}
	q.queued[target] = struct{}{}
	q.pending = append(q.pending, target)

	if q.timer == nil {
		q.timer = q.timers.AfterFunc(q.delay, q.flush)
	}
}

// Pending is the number of targets waiting for the timer.
func (q *Queue[K, D]) Pending() int {
	return len(q.pending)
}

func (q *Queue[K, D]) InFlight() int {
	return len(q.inflight)
}

func (q *Queue[K, D]) flush() {
	q.timer = nil
	if len(q.pending) == 0 {
		return
	}
	targets := q.pending
	q.pending = nil
	clear(q.queued)

	var order []D
	byDest := make(map[D][]K)
	for _, k := range targets {
		d := q.fetch.Destination(k)
		if _, ok := byDest[d]; !ok {
			order = append(order, d)
		}
		byDest[d] = append(byDest[d], k)
	}

	for _, d := range order {
		keys := byDest[d]
		req := q.fetch.Request(d, keys)
		h := q.tr.Submit(req, q.complete)
		q.batches[h] = batch[K, D]{dest: d, targets: keys}
		for _, k := range keys {
			q.inflight[k] = h
		}
		q.Flushes++
		slog.Debug("resolve batch submitted", "method", string(req.Method), "targets", len(keys))
	}
}

func (q *Queue[K, D]) complete(res transport.Result) {
	b, ok := q.batches[res.Handle]
	if !ok {
		return
	}
	delete(q.batches, res.Handle)

	if res.OK() {
		q.fetch.Apply(b.dest, res.Response)
	}

	for _, k := range b.targets {
		if q.inflight[k] != res.Handle {
			continue
		}
		delete(q.inflight, k)
		cbs := q.callbacks[k]
		delete(q.callbacks, k)
		for _, cb := range cbs {
			cb(k, res.Err)
		}
	}
}
