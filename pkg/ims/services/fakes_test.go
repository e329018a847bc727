package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	localIP  = "10.0.0.2"
	localURI = "sip:alice@10.0.0.2:5060"
)

type fakeTransport struct {
	mu        sync.Mutex
	requests  []*sip.Request
	written   []*sip.Request
	responses []*sip.Response
	respond   func(req *sip.Request, n int) (*sip.Response, error)
}

func (f *fakeTransport) Init(transport.LocalAddr) error { return nil }

func (f *fakeTransport) SendRequestAndWait(_ context.Context, req *sip.Request, _ time.Duration, onProvisional func(*sip.Response)) (*sip.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil, transport.ErrTimeout
	}
	if onProvisional != nil && req.Method == sip.INVITE {
		onProvisional(dialog.CreateResponse(req, 180, "Ringing", "remote-tag"))
	}
	return respond(req, n)
}

func (f *fakeTransport) SendRequest(req *sip.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, req)
	return nil
}

func (f *fakeTransport) SendResponse(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeTransport) OnRequest(transport.RequestHandler) {}
func (f *fakeTransport) GenerateCallID() string { return dialog.NewCallID(localIP) }
func (f *fakeTransport) IsReady() bool { return true }
func (f *fakeTransport) LocalAddr() transport.LocalAddr {
	return transport.LocalAddr{IP: localIP, Port: 5060, Network: "udp"}
}
func (f *fakeTransport) StartKeepAlive(string, time.Duration) error { return nil }
func (f *fakeTransport) StopKeepAlive() {}
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.requests...)
}

func (f *fakeTransport) writtenRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.written...)
}

func (f *fakeTransport) sentResponses() []*sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Response(nil), f.responses...)
}

func (f *fakeTransport) codes() []int {
	var out []int
	for _, r := range f.sentResponses() {
		out = append(out, r.StatusCode)
	}
	return out
}

// responseTo ищет последний отправленный ответ на запрос с Call-ID и методом
func (f *fakeTransport) responseTo(callID string, method sip.RequestMethod) *sip.Response {
	res := f.sentResponses()
	for i := len(res) - 1; i >= 0; i-- {
		r := res[i]
		if r.CallID().Value() == callID && r.CSeq().MethodName == method {
			return r
		}
	}
	return nil
}

type fakeNetwork struct{}

func (fakeNetwork) IsRegisteredAt(host string, port int) bool {
	return host == localIP && (port == 0 || port == 5060)
}

type fakeIdentity struct{}

func (fakeIdentity) InstanceID() string { return "<urn:uuid:00000000-0000-4000-8000-000000000001>" }
func (fakeIdentity) PublicGRUU() string { return "" }
func (fakeIdentity) PublicURI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
}
func (fakeIdentity) ServiceRoutes() []sip.Uri { return nil }
func (fakeIdentity) OutboundProxy() string { return "192.0.2.1:5060" }
func (fakeIdentity) Endpoint() dialog.Endpoint {
	return dialog.Endpoint{User: "alice", Host: localIP, Port: 5060, Transport: "udp", UserAgent: "ims-test"}
}

func newDeps(t *testing.T) (service.Deps, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	logger := zerolog.Nop()
	return service.Deps{
		Transport: tr,
		Network:   fakeNetwork{},
		Identity:  fakeIdentity{},
		Auth:      auth.NewSessionAgent("alice@example.com", "secret", nil),
		Logger:    &logger,
	}, tr
}

func enabled(limit int) service.Config {
	return service.Config{Enabled: true, MaxSessions: limit}
}

// inbound строит входящий запрос от bob к устройству
func inbound(t *testing.T, method sip.RequestMethod, callID string, opts ...func(req *sip.Request)) *sip.Request {
	t.Helper()
	var recipient sip.Uri
	require.NoError(t, sip.ParseUri(localURI, &recipient))
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "192.0.2.1", Port: 5060, Params: sip.HeaderParams{"branch": dialog.NewBranch()},
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
		Params:  sip.HeaderParams{"tag": "bob-tag"},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		Params:  sip.HeaderParams{},
	})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	for _, opt := range opts {
		opt(req)
	}
	return req
}

func withContact(params sip.HeaderParams) func(*sip.Request) {
	return func(req *sip.Request) {
		req.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.50", Port: 5060},
			Params:  params,
		})
	}
}

func withHeader(name, value string) func(*sip.Request) {
	return func(req *sip.Request) {
		req.AppendHeader(sip.NewHeader(name, value))
	}
}

func withBody(ct string, body string) func(*sip.Request) {
	return func(req *sip.Request) {
		h := sip.ContentTypeHeader(ct)
		req.AppendHeader(&h)
		req.SetBody([]byte(body))
	}
}

func withCSeq(seq uint32, method sip.RequestMethod) func(*sip.Request) {
	return func(req *sip.Request) {
		req.ReplaceHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	}
}

// answer отвечает на запрос как удаленная сторона
func answer(req *sip.Request, code int, reason string, headers ...sip.Header) *sip.Response {
	res := dialog.CreateResponse(req, code, reason, "remote-tag")
	if code >= 200 && code < 300 && req.Method == sip.INVITE {
		res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "192.0.2.50", Port: 5060}})
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return res
}

const fileOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.50\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.50\r\n" +
	"t=0 0\r\n" +
	"m=message 9 TCP/MSRP *\r\n" +
	"a=accept-types:message/cpim\r\n" +
	"a=file-selector:name:\"photo.jpg\" type:image/jpeg size:1024\r\n" +
	"a=file-transfer-id:ft-42\r\n" +
	"a=sendonly\r\n"

const audioOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.2\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.2\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"
