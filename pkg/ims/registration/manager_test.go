package registration

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/arzzra/ims_core/pkg/settings"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testUser     = "alice@example.com"
	testPassword = "secret"
)

type ManagerSuite struct {
	suite.Suite

	tr       *fakeTransport
	clock    *fakeClock
	listener *recordingListener
	store    *settings.MemoryStore
	manager  *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.tr = newFakeTransport(nil)
	s.clock = newFakeClock()
	s.listener = newRecordingListener()
	s.store = settings.NewMemoryStore()
	s.manager = s.newManager()
}

func (s *ManagerSuite) newManager() *Manager {
	cfg := DefaultConfig()
	cfg.PublicURI = sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
	cfg.HomeDomain = "example.com"
	cfg.PrivateID = testUser
	cfg.Password = testPassword
	cfg.UserAgent = "ims-core-test"

	m, err := New(cfg, s.tr,
		WithLogger(zerolog.Nop()),
		WithListener(s.listener),
		WithClock(s.clock),
		WithRandom(func() float64 { return 0 }),
		WithSettings(s.store),
	)
	s.Require().NoError(err)
	m.SetProxy(Proxy{Host: "192.0.2.1", Port: 5060, Protocol: "udp"})
	return m
}

func (s *ManagerSuite) script(responses ...func(req *sip.Request) (*sip.Response, error)) {
	s.tr.respond = func(req *sip.Request, n int) (*sip.Response, error) {
		if n >= len(responses) {
			return nil, fmt.Errorf("unexpected request #%d", n)
		}
		return responses[n](req)
	}
}

func challenge(nonce string) func(req *sip.Request) (*sip.Response, error) {
	return func(req *sip.Request) (*sip.Response, error) {
		return response(req, 401, "Unauthorized",
			sip.NewHeader("WWW-Authenticate", fmt.Sprintf(`Digest realm="example.com", nonce="%s", qop="auth", algorithm=MD5`, nonce))), nil
	}
}

func ok(expires int, headers ...sip.Header) func(req *sip.Request) (*sip.Response, error) {
	return func(req *sip.Request) (*sip.Response, error) {
		return okWithExpires(req, expires, headers...), nil
	}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TestScenario401Then200 REGISTER -> 401 -> REGISTER с digest -> 200, refresh через 3000с
func (s *ManagerSuite) TestScenario401Then200() {
	s.script(challenge("abc"), ok(3600))

	err := s.manager.Register(context.Background())
	s.Require().NoError(err)

	reqs := s.tr.sentRequests()
	s.Require().Len(reqs, 2)

	first, second := reqs[0], reqs[1]
	s.Nil(first.GetHeader("Authorization"))
	s.Equal("3600", first.GetHeader("Expires").Value())
	s.Equal(first.CallID().Value(), second.CallID().Value())
	s.Greater(second.CSeq().SeqNo, first.CSeq().SeqNo)

	h := second.GetHeader("Authorization")
	s.Require().NotNil(h)
	cred, err := digest.ParseCredentials(h.Value())
	s.Require().NoError(err)
	s.Equal(testUser, cred.Username)
	s.Equal("example.com", cred.Realm)
	s.Equal("abc", cred.Nonce)
	s.Equal(1, cred.Nc)
	s.Equal("sip:example.com", cred.URI)

	ha1 := md5hex(testUser + ":example.com:" + testPassword)
	ha2 := md5hex("REGISTER:" + cred.URI)
	expected := md5hex(fmt.Sprintf("%s:abc:00000001:%s:auth:%s", ha1, cred.Cnonce, ha2))
	s.Equal(expected, cred.Response)

	s.True(s.manager.IsRegistered())
	s.False(s.manager.IsRegistering())
	s.Equal(3600, s.manager.ExpirePeriod())

	timers := s.clock.pending()
	s.Require().Len(timers, 1)
	s.Equal(3000*time.Second, timers[0].delay)

	s.Equal([]time.Duration{DefaultKeepAlivePeriod * time.Second}, s.tr.keepAlives())
	s.Equal(1, s.listener.success)

	last, ok, err := s.store.Get(context.Background(), settings.KeyLastRegistration)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("2026-01-01T12:00:00Z", last)
}

// TestScenarioIntervalTooBrief 423 с Min-Expires=600 -> повтор с Expires: 600
func (s *ManagerSuite) TestScenarioIntervalTooBrief() {
	s.script(
		func(req *sip.Request) (*sip.Response, error) {
			return response(req, 423, "Interval Too Brief", sip.NewHeader("Min-Expires", "600")), nil
		},
		ok(600),
	)

	s.Require().NoError(s.manager.Register(context.Background()))

	reqs := s.tr.sentRequests()
	s.Require().Len(reqs, 2)
	s.Equal("600", reqs[1].GetHeader("Expires").Value())
	s.Contains(reqs[1].Contact().Params, "expires")
	s.Equal(reqs[0].CSeq().SeqNo+1, reqs[1].CSeq().SeqNo)

	s.Equal(600, s.manager.ExpirePeriod())
	timers := s.clock.pending()
	s.Require().Len(timers, 1)
	s.Equal(300*time.Second, timers[0].delay)
}

func (s *ManagerSuite) TestIntervalTooBriefWithoutMinExpires() {
	s.script(func(req *sip.Request) (*sip.Response, error) {
		return response(req, 423, "Interval Too Brief"), nil
	})

	err := s.manager.Register(context.Background())
	var regErr *Error
	s.Require().ErrorAs(err, &regErr)
	s.Equal(ReasonIntervalTooBrief, regErr.Reason)
	s.Equal(423, regErr.Code)
	s.True(regErr.Fatal)
	s.Len(s.tr.sentRequests(), 1)
	s.Equal(StateUnregistered, s.manager.State())
}

// TestScenarioThreeChallenges три 401 подряд -> фатальная ошибка и повтор по backoff
func (s *ManagerSuite) TestScenarioThreeChallenges() {
	s.script(challenge("n1"), challenge("n2"), challenge("n3"))

	err := s.manager.Register(context.Background())
	var regErr *Error
	s.Require().ErrorAs(err, &regErr)
	s.Equal(ReasonAuthentication, regErr.Reason)
	s.Equal(401, regErr.Code)

	s.Len(s.tr.sentRequests(), MaxAuthFailures)
	s.False(s.manager.IsRegistered())
	s.Nil(s.manager.DialogPath())

	timers := s.clock.pending()
	s.Require().Len(timers, 1)
	// random=0: base * 2^0 * 0.5
	s.Equal(DefaultRetryBase/2, timers[0].delay)

	s.Require().Len(s.listener.failures, 1)
	s.Equal(ReasonAuthentication, s.listener.failures[0].Reason)

	// повтор по таймеру начинает новый цикл с увеличенной задержкой при неудаче
	s.script(challenge("n4"), challenge("n5"), challenge("n6"))
	s.tr.requests = nil
	timers[0].fire()

	s.Len(s.tr.sentRequests(), MaxAuthFailures)
	timers = s.clock.pending()
	s.Require().Len(timers, 1)
	s.Equal(DefaultRetryBase, timers[0].delay)
}

func (s *ManagerSuite) TestRejectedAndTimeout() {
	s.script(func(req *sip.Request) (*sip.Response, error) {
		return response(req, 403, "Forbidden"), nil
	})
	err := s.manager.Register(context.Background())
	var regErr *Error
	s.Require().ErrorAs(err, &regErr)
	s.Equal(ReasonRejected, regErr.Reason)
	s.Equal(403, regErr.Code)

	s.tr.respond = nil
	s.tr.requests = nil
	err = s.manager.Register(context.Background())
	s.Require().ErrorAs(err, &regErr)
	s.Equal(ReasonTimeout, regErr.Reason)
	s.Zero(regErr.Code)
	s.Len(s.listener.failures, 2)
}

func (s *ManagerSuite) TestRedirect() {
	s.script(
		func(req *sip.Request) (*sip.Response, error) {
			return response(req, 302, "Moved Temporarily", sip.NewHeader("Contact", "<sip:registrar2.example.com:5070>")), nil
		},
		ok(3600),
	)

	s.Require().NoError(s.manager.Register(context.Background()))
	reqs := s.tr.sentRequests()
	s.Require().Len(reqs, 2)
	s.Equal("registrar2.example.com", reqs[1].Recipient.Host)
	s.Equal(5070, reqs[1].Recipient.Port)
	s.Equal("3600", reqs[1].GetHeader("Expires").Value())
	s.Equal(reqs[0].CSeq().SeqNo+1, reqs[1].CSeq().SeqNo)
}

func (s *ManagerSuite) TestRefreshReusesNonce() {
	s.script(challenge("abc"), ok(3600), ok(3600))
	s.Require().NoError(s.manager.Register(context.Background()))

	timers := s.clock.pending()
	s.Require().Len(timers, 1)
	timers[0].fire()

	reqs := s.tr.sentRequests()
	s.Require().Len(reqs, 3)
	refresh := reqs[2]
	s.Equal(reqs[1].CallID().Value(), refresh.CallID().Value())
	s.Equal(reqs[1].CSeq().SeqNo+1, refresh.CSeq().SeqNo)

	cred, err := digest.ParseCredentials(refresh.GetHeader("Authorization").Value())
	s.Require().NoError(err)
	s.Equal("abc", cred.Nonce)
	s.Equal(2, cred.Nc)

	s.True(s.manager.IsRegistered())
	s.Equal(StateRegistered, s.manager.State())
	s.Len(s.clock.pending(), 1)
	s.Equal(2, s.listener.success)
}

func (s *ManagerSuite) TestSuccessHeaders() {
	s.script(func(req *sip.Request) (*sip.Response, error) {
		inst, _ := req.Contact().Params.Get("+sip.instance")
		res := response(req, 200, "OK",
			sip.NewHeader("Contact", fmt.Sprintf(`<%s>;expires=1800;+sip.instance=%s;pub-gruu="sip:alice@example.com;gr=urn:uuid:1";temp-gruu="sip:tgruu.1@example.com;gr"`, req.Contact().Address.String(), inst)),
			sip.NewHeader("P-Associated-URI", "<sip:alice@example.com>, <tel:+15551234>"),
			sip.NewHeader("Service-Route", "<sip:orig@scscf.example.com;lr>"),
			sip.NewHeader("Authentication-Info", `nextnonce="next1"`),
		)
		via := res.Via()
		via.Params["received"] = "203.0.113.5"
		via.Params["rport"] = "40000"
		via.Params["keep"] = "45"
		return res, nil
	})

	s.Require().NoError(s.manager.Register(context.Background()))

	s.Equal(1800, s.manager.ExpirePeriod())
	s.Equal("sip:alice@example.com;gr=urn:uuid:1", s.manager.PublicGRUU())
	s.Equal("sip:tgruu.1@example.com;gr", s.manager.TemporaryGRUU())
	s.Equal("203.0.113.5", s.manager.NatAddress())
	s.Equal(40000, s.manager.NatPort())
	s.Len(s.manager.AssociatedURIs(), 2)
	s.Require().Len(s.manager.ServiceRoutes(), 1)
	s.Equal("scscf.example.com", s.manager.ServiceRoutes()[0].Host)
	s.Equal([]time.Duration{45 * time.Second}, s.tr.keepAlives())
	s.Equal("sip:alice@example.com;gr=urn:uuid:1", s.manager.Endpoint().GRUU)

	stored, ok, err := s.store.Get(context.Background(), settings.KeyPublicGRUU)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(s.manager.PublicGRUU(), stored)

	timers := s.clock.pending()
	s.Require().Len(timers, 1)
	s.Equal(1200*time.Second, timers[0].delay)
}

func (s *ManagerSuite) TestInvalidAssociatedURIIsFatal() {
	s.script(ok(3600, sip.NewHeader("P-Associated-URI", "<sip:alice@example.com")))

	err := s.manager.Register(context.Background())
	var regErr *Error
	s.Require().ErrorAs(err, &regErr)
	s.Equal(ReasonProtocol, regErr.Reason)
	s.False(s.manager.IsRegistered())
}

func (s *ManagerSuite) TestUnregister() {
	s.script(func(req *sip.Request) (*sip.Response, error) {
		res := okWithExpires(req, 3600)
		res.Via().Params["received"] = "203.0.113.5"
		return res, nil
	}, ok(0))
	s.Require().NoError(s.manager.Register(context.Background()))
	s.Equal("203.0.113.5", s.manager.NatAddress())

	s.Require().NoError(s.manager.Unregister(context.Background()))

	reqs := s.tr.sentRequests()
	s.Require().Len(reqs, 2)
	s.Equal("0", reqs[1].GetHeader("Expires").Value())
	s.Equal(reqs[0].CSeq().SeqNo+1, reqs[1].CSeq().SeqNo)

	s.False(s.manager.IsRegistered())
	s.Empty(s.manager.NatAddress())
	s.Zero(s.manager.NatPort())
	s.Empty(s.clock.pending())
	s.Equal(1, s.listener.terminated)

	// повторный вызов ничего не отправляет
	s.Require().NoError(s.manager.Unregister(context.Background()))
	s.Len(s.tr.sentRequests(), 2)
}

// TestUnregisterDeferred Unregister во время REGISTER не создает второй параллельной транзакции
func (s *ManagerSuite) TestUnregisterDeferred() {
	gate := make(chan struct{})
	s.tr.gate = gate
	s.script(ok(3600), ok(0))

	done := make(chan error, 1)
	go func() { done <- s.manager.Register(context.Background()) }()

	<-s.tr.sent
	s.True(s.manager.IsRegistering())
	s.Require().NoError(s.manager.Unregister(context.Background()))
	s.Len(s.tr.sentRequests(), 1, "unregister must wait for the in-flight register")

	close(gate)
	s.Require().NoError(<-done)

	reqs := s.tr.sentRequests()
	s.Require().Len(reqs, 2)
	s.Equal("3600", reqs[0].GetHeader("Expires").Value())
	s.Equal("0", reqs[1].GetHeader("Expires").Value())
	s.Equal("success", <-s.listener.events)
	s.Equal("terminated", <-s.listener.events)
	s.False(s.manager.IsRegistered())
}

func (s *ManagerSuite) TestStopAbortsCycle() {
	gate := make(chan struct{})
	s.tr.gate = gate
	s.script(ok(3600))

	done := make(chan error, 1)
	go func() { done <- s.manager.Register(context.Background()) }()
	<-s.tr.sent

	s.manager.Stop()
	s.ErrorIs(<-done, ErrAborted)
	s.Equal(StateUnregistered, s.manager.State())
	s.Zero(s.listener.success)
	s.Empty(s.listener.failures)
	s.Empty(s.clock.pending())
}

func (s *ManagerSuite) TestRestartRegistersAgain() {
	s.script(ok(3600), ok(3600))
	s.Require().NoError(s.manager.Register(context.Background()))
	s.Equal("success", <-s.listener.events)

	s.manager.Restart(context.Background())
	select {
	case ev := <-s.listener.events:
		s.Equal("success", ev)
	case <-time.After(2 * time.Second):
		s.FailNow("restart did not register")
	}

	reqs := s.tr.sentRequests()
	s.Require().Len(reqs, 2)
	s.Equal("3600", reqs[1].GetHeader("Expires").Value())
	// старый refresh таймер отменен, активен только новый
	s.Len(s.clock.pending(), 1)
}

func (s *ManagerSuite) TestInstanceIDPersisted() {
	id := s.manager.InstanceID()
	s.Require().NotEmpty(id)

	other := s.newManager()
	s.Equal(id, other.InstanceID())
}

func (s *ManagerSuite) TestRegisterWithoutProxy() {
	cfg := DefaultConfig()
	cfg.PublicURI = sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
	cfg.HomeDomain = "example.com"
	m, err := New(cfg, s.tr, WithLogger(zerolog.Nop()))
	s.Require().NoError(err)
	s.ErrorIs(m.Register(context.Background()), ErrNoProxy)

	m.Close()
	m.SetProxy(Proxy{Host: "192.0.2.1", Port: 5060})
	s.ErrorIs(m.Register(context.Background()), ErrStopped)
}

func TestRefreshDelay(t *testing.T) {
	assert.Equal(t, 3000*time.Second, RefreshDelay(3600))
	assert.Equal(t, 601*time.Second, RefreshDelay(1201))
	assert.Equal(t, 600*time.Second, RefreshDelay(1200))
	assert.Equal(t, 300*time.Second, RefreshDelay(600))
}

// TestBackoffBounds задержка в [0, max] и не убывает с числом неудач до насыщения
func TestBackoffBounds(t *testing.T) {
	base, maxDelay := 30*time.Second, 30*time.Minute

	for _, r := range []float64{0, 0.5, 0.999} {
		prev := time.Duration(0)
		for n := 0; n < 64; n++ {
			d := backoff(base, maxDelay, n, r)
			require.GreaterOrEqual(t, d, time.Duration(0))
			require.LessOrEqual(t, d, maxDelay)
			require.GreaterOrEqual(t, d, prev, "failures=%d", n)
			prev = d
		}
	}

	assert.Equal(t, 15*time.Second, backoff(base, maxDelay, 0, 0))
	assert.Equal(t, 30*time.Second, backoff(base, maxDelay, 0, 1))
	assert.Equal(t, maxDelay/2, backoff(base, maxDelay, 10, 0))
	assert.Equal(t, 15*time.Second, backoff(base, maxDelay, -3, 0))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(DefaultConfig(), newFakeTransport(nil))
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.PublicURI = sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"}
	cfg.HomeDomain = "example.com"
	_, err = New(cfg, nil)
	assert.Error(t, err)

	_, err = New(cfg, newFakeTransport(nil), WithListener(nil))
	assert.Error(t, err)
}

func TestErrorString(t *testing.T) {
	err := &Error{Reason: ReasonRejected, Code: 403, Phrase: "Forbidden"}
	assert.Equal(t, "registration failed: rejected (403 Forbidden)", err.Error())
	assert.Equal(t, "too_many_retries", ReasonTooManyRetries.String())
}
