// Package transporttest provides an in-memory Transport that tests drive by
// hand: every submitted request waits until the test completes or fails it.
package transporttest

import (
	"fmt"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/transport"
)

type Call struct {
	Handle    transport.Handle
	Request   *transport.Request
	Done      bool
	Cancelled bool

	completion transport.Completion
}

// Fake is not safe for concurrent use. Tests play the control loop.
type Fake struct {
	next     transport.Handle
	calls    []*Call
	byHandle map[transport.Handle]*Call
	queued   []func()
}

func New() *Fake {
	return &Fake{byHandle: make(map[transport.Handle]*Call)}
}

func (f *Fake) Submit(req *transport.Request, done transport.Completion) transport.Handle {
	f.next++
	c := &Call{Handle: f.next, Request: req, completion: done}
	f.calls = append(f.calls, c)
	f.byHandle[c.Handle] = c
	return c.Handle
}

// Cancel queues a Cancelled completion; Flush delivers it.
func (f *Fake) Cancel(h transport.Handle) {
	c, ok := f.byHandle[h]
	if !ok || c.Done || c.Cancelled {
		return
	}
	c.Cancelled = true
	f.queued = append(f.queued, func() {
		f.finish(c, transport.Result{Handle: h, Err: apierr.New(apierr.Cancelled, "request cancelled")})
	})
}

// Flush delivers queued cancellations and returns how many ran.
func (f *Fake) Flush() int {
	q := f.queued
	f.queued = nil
	for _, fn := range q {
		fn()
	}
	return len(q)
}

func (f *Fake) Complete(h transport.Handle, resp *transport.Response) {
	if resp == nil {
		resp = &transport.Response{}
	}
	f.finish(f.mustCall(h), transport.Result{Handle: h, Response: resp})
}

func (f *Fake) Fail(h transport.Handle, err *apierr.Error) {
	f.finish(f.mustCall(h), transport.Result{Handle: h, Err: err})
}

func (f *Fake) Calls() []*Call {
	return f.calls
}

// Pending lists submitted requests that have not completed yet, in order.
func (f *Fake) Pending() []*Call {
	var out []*Call
	for _, c := range f.calls {
		if !c.Done {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Last() *Call {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *Fake) ByMethod(m transport.Method) []*Call {
	var out []*Call
	for _, c := range f.calls {
		if c.Request.Method == m {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) mustCall(h transport.Handle) *Call {
	c, ok := f.byHandle[h]
	if !ok {
		panic(fmt.Sprintf("transporttest: unknown handle %d", h))
	}
	if c.Done {
		panic(fmt.Sprintf("transporttest: handle %d already completed", h))
	}
	return c
}

func (f *Fake) finish(c *Call, res transport.Result) {
	if c.Done {
		return
	}
	c.Done = true
	c.completion(res)
}
