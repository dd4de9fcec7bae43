package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/LeventeLantos/delivery-pipeline/internal/apierr"
	"github.com/LeventeLantos/delivery-pipeline/internal/loop"
)

// HTTPTransport posts each request as JSON to <baseURL>/<method> and hands
// the decoded result to the control loop.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	poster  loop.Poster

	next atomic.Uint64

	mu       sync.Mutex
	inflight map[Handle]context.CancelFunc
}

type HTTPOptions struct {
	Timeout time.Duration
	// RPS <= 0 disables pacing.
	RPS   float64
	Burst int
}

func NewHTTPTransport(baseURL string, poster loop.Poster, opts HTTPOptions) *HTTPTransport {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPTransport{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		poster:   poster,
		inflight: make(map[Handle]context.CancelFunc),
	}
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"error,omitempty"`
}

func (t *HTTPTransport) Submit(req *Request, done Completion) Handle {
	h := Handle(t.next.Add(1))

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.inflight[h] = cancel
	t.mu.Unlock()

	go func() {
		resp, err := t.do(ctx, req)

		t.mu.Lock()
		delete(t.inflight, h)
		t.mu.Unlock()
		cancel()

		if err != nil {
			slog.Debug("transport request failed", "method", req.Method, "handle", h, "err", err)
		}
		res := Result{Handle: h, Response: resp, Err: err}
		t.poster.Post(func() { done(res) })
	}()

	return h
}

func (t *HTTPTransport) Cancel(h Handle) {
	t.mu.Lock()
	cancel, ok := t.inflight[h]
	t.mu.Unlock()

	if ok {
		cancel()
	}
}

// Close aborts every request still in flight.
func (t *HTTPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, cancel := range t.inflight {
		cancel()
	}
}

func (t *HTTPTransport) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *HTTPTransport) do(ctx context.Context, r *Request) (*Response, *apierr.Error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, apierr.FromError(ctxErr(ctx, err))
	}

	reqBody, err := json.Marshal(r)
	if err != nil {
		return nil, apierr.FromError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+string(r.Method), bytes.NewReader(reqBody))
	if err != nil {
		return nil, apierr.FromError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, apierr.FromError(ctxErr(ctx, err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return nil, apierr.FromError(fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body)))
		}
		return nil, apierr.FromError(fmt.Errorf("failed to decode json: %w body=%q", err, string(body)))
	}

	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		if env.Description == "" {
			return nil, apierr.FromError(fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body)))
		}
		return nil, apierr.Classify(code, env.Description)
	}

	var out Response
	if len(env.Result) > 0 && string(env.Result) != "null" {
		if err := json.Unmarshal(env.Result, &out); err != nil {
			return nil, apierr.FromError(fmt.Errorf("failed to decode result: %w body=%q", err, string(body)))
		}
	}
	return &out, nil
}

// A cancelled request reports context.Canceled even when the HTTP client
// wrapped it into something else.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%v: %w", err, ctx.Err())
	}
	return err
}
