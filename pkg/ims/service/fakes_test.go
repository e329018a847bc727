package service

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
)

type fakeTransport struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (f *fakeTransport) Init(transport.LocalAddr) error { return nil }
func (f *fakeTransport) SendRequestAndWait(context.Context, *sip.Request, time.Duration, func(*sip.Response)) (*sip.Response, error) {
	return nil, transport.ErrTimeout
}
func (f *fakeTransport) SendRequest(*sip.Request) error { return nil }
func (f *fakeTransport) SendResponse(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}
func (f *fakeTransport) OnRequest(transport.RequestHandler) {}
func (f *fakeTransport) GenerateCallID() string { return dialog.NewCallID("10.0.0.2") }
func (f *fakeTransport) IsReady() bool { return true }
func (f *fakeTransport) LocalAddr() transport.LocalAddr {
	return transport.LocalAddr{IP: "10.0.0.2", Port: 5060, Network: "udp"}
}
func (f *fakeTransport) StartKeepAlive(string, time.Duration) error { return nil }
func (f *fakeTransport) StopKeepAlive() {}
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sent() []*sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Response(nil), f.responses...)
}

func (f *fakeTransport) codes() []int {
	var out []int
	for _, r := range f.sent() {
		out = append(out, r.StatusCode)
	}
	return out
}

type fakeNetwork struct {
	host string
	port int
}

func (n fakeNetwork) IsRegisteredAt(host string, port int) bool {
	if port == 0 {
		port = 5060
	}
	return host == n.host && port == n.port
}

type fakeIdentity struct {
	instance string
	gruu     string
}

func (i fakeIdentity) InstanceID() string { return i.instance }
func (i fakeIdentity) PublicGRUU() string { return i.gruu }
func (i fakeIdentity) PublicURI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
}
func (i fakeIdentity) ServiceRoutes() []sip.Uri { return nil }
func (i fakeIdentity) OutboundProxy() string { return "192.0.2.1:5060" }
func (i fakeIdentity) Endpoint() dialog.Endpoint {
	return dialog.Endpoint{User: "alice", Host: "10.0.0.2", Port: 5060, Transport: "udp", InstanceID: i.instance, GRUU: i.gruu}
}

type fakeSession struct {
	id     string
	callID string
	path   *dialog.Path

	// onTerminate вызывается после Terminate, как хук удаления у настоящих сессий
	onTerminate func()

	mu         sync.Mutex
	received   []sip.RequestMethod
	terminated []TerminationReason
}

func newFakeSession(callID string) *fakeSession {
	return &fakeSession{id: "s-" + callID, callID: callID}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) CallID() string { return s.callID }

func (s *fakeSession) Category() Category { return CategoryGeneric }

func (s *fakeSession) DialogPath() *dialog.Path { return s.path }

func (s *fakeSession) record(m sip.RequestMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, m)
}

func (s *fakeSession) ReceiveReInvite(req *sip.Request) *sip.Response {
	s.record(req.Method)
	return dialog.CreateResponse(req, 200, "OK", "local")
}
func (s *fakeSession) ReceiveBye(req *sip.Request) *sip.Response {
	s.record(req.Method)
	return dialog.CreateResponse(req, 200, "OK", "local")
}
func (s *fakeSession) ReceiveCancel(req *sip.Request) *sip.Response {
	s.record(req.Method)
	return dialog.CreateResponse(req, 200, "OK", "local")
}
func (s *fakeSession) ReceiveAck(req *sip.Request) { s.record(req.Method) }
func (s *fakeSession) ReceiveMessage(req *sip.Request) *sip.Response {
	s.record(req.Method)
	return dialog.CreateResponse(req, 200, "OK", "local")
}
func (s *fakeSession) ReceiveNotify(req *sip.Request) *sip.Response {
	s.record(req.Method)
	return dialog.CreateResponse(req, 200, "OK", "local")
}
func (s *fakeSession) Terminate(reason TerminationReason) {
	s.mu.Lock()
	s.terminated = append(s.terminated, reason)
	s.mu.Unlock()
	if s.onTerminate != nil {
		s.onTerminate()
	}
}

func (s *fakeSession) reasons() []TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TerminationReason(nil), s.terminated...)
}

func (s *fakeSession) methods() []sip.RequestMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sip.RequestMethod(nil), s.received...)
}

// newRequest строит входящий запрос на uri с заданным Call-ID
func newRequest(method sip.RequestMethod, uri, callID string, contactParams sip.HeaderParams) *sip.Request {
	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		panic(err)
	}
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "192.0.2.1", Port: 5060, Params: sip.HeaderParams{"branch": dialog.NewBranch()},
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
		Params:  sip.HeaderParams{"tag": "remote"},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		Params:  sip.HeaderParams{},
	})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	if contactParams != nil {
		req.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.50", Port: 5060},
			Params:  contactParams,
		})
	}
	return req
}
