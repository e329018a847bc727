package registration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
)

// responder возвращает ответ на n-й (с нуля) отправленный запрос
type responder func(req *sip.Request, n int) (*sip.Response, error)

type fakeTransport struct {
	mu        sync.Mutex
	local     transport.LocalAddr
	requests  []*sip.Request
	respond   responder
	keepAlive []time.Duration
	kaStops   int
	// gate блокирует SendRequestAndWait до закрытия (если задан)
	gate chan struct{}
	sent chan *sip.Request
}

func newFakeTransport(r responder) *fakeTransport {
	return &fakeTransport{
		local:   transport.LocalAddr{IP: "10.0.0.1", Port: 5060, Network: "udp"},
		respond: r,
		sent:    make(chan *sip.Request, 32),
	}
}

func (f *fakeTransport) Init(local transport.LocalAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = local
	return nil
}

func (f *fakeTransport) SendRequestAndWait(ctx context.Context, req *sip.Request, _ time.Duration, _ func(*sip.Response)) (*sip.Response, error) {
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	gate := f.gate
	respond := f.respond
	f.mu.Unlock()

	f.sent <- req
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if respond == nil {
		return nil, transport.ErrTimeout
	}
	return respond(req, n)
}

func (f *fakeTransport) SendRequest(*sip.Request) error    { return nil }
func (f *fakeTransport) SendResponse(*sip.Response) error  { return nil }
func (f *fakeTransport) OnRequest(transport.RequestHandler) {}
func (f *fakeTransport) GenerateCallID() string             { return "reg-call-id@10.0.0.1" }
func (f *fakeTransport) IsReady() bool                      { return true }
func (f *fakeTransport) Close() error                       { return nil }

func (f *fakeTransport) LocalAddr() transport.LocalAddr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeTransport) StartKeepAlive(_ string, period time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlive = append(f.keepAlive, period)
	return nil
}

func (f *fakeTransport) StopKeepAlive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kaStops++
}

func (f *fakeTransport) sentRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.requests...)
}

func (f *fakeTransport) keepAlives() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.keepAlive...)
}

// fakeClock запоминает запланированные таймеры, срабатывание вручную
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// pending возвращает активные таймеры
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (t *fakeTimer) fire() {
	t.clock.mu.Lock()
	if t.stopped || t.fired {
		t.clock.mu.Unlock()
		return
	}
	t.fired = true
	t.clock.mu.Unlock()
	t.fn()
}

// recordingListener собирает уведомления
type recordingListener struct {
	mu         sync.Mutex
	success    int
	failures   []*Error
	terminated int
	events     chan string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan string, 16)}
}

func (l *recordingListener) OnRegistrationSuccess() {
	l.mu.Lock()
	l.success++
	l.mu.Unlock()
	l.events <- "success"
}

func (l *recordingListener) OnRegistrationFailed(err *Error) {
	l.mu.Lock()
	l.failures = append(l.failures, err)
	l.mu.Unlock()
	l.events <- "failed"
}

func (l *recordingListener) OnRegistrationTerminated() {
	l.mu.Lock()
	l.terminated++
	l.mu.Unlock()
	l.events <- "terminated"
}

func response(req *sip.Request, code int, reason string, headers ...sip.Header) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return res
}

func okWithExpires(req *sip.Request, expires int, headers ...sip.Header) *sip.Response {
	contact := req.Contact()
	value := fmt.Sprintf("<%s>;expires=%d", contact.Address.String(), expires)
	if inst, ok := contact.Params.Get("+sip.instance"); ok {
		value += ";+sip.instance=" + inst
	}
	return response(req, 200, "OK", append([]sip.Header{sip.NewHeader("Contact", value)}, headers...)...)
}
