// Package registration управляет IMS регистрацией: REGISTER, обновление,
// повторы с экспоненциальной задержкой и снятие регистрации.
package registration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/metrics"
	"github.com/arzzra/ims_core/pkg/settings"
	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxAuthFailures число 401 подряд в одном цикле, после которого регистрация считается неудачной
const MaxAuthFailures = 3

const (
	statusMovedTemporarily = 302
	statusUnauthorized     = 401
	statusIntervalTooBrief = 423
)

// maxCycleRequests ограничивает число REGISTER в цикле (цепочки 302/423)
const maxCycleRequests = 10

// Состояния регистрации
const (
	StateUnregistered  = "unregistered"
	StateRegistering   = "registering"
	StateRegistered    = "registered"
	StateRefreshing    = "refreshing"
	StateUnregistering = "unregistering"
)

const (
	eventRegister   = "register"
	eventRefresh    = "refresh"
	eventSuccess    = "success"
	eventFailure    = "failure"
	eventUnregister = "unregister"
	eventTerminate  = "terminate"
)

// cycle одна REGISTER транзакция с повторами; устаревший цикл (после Stop) игнорируется
type cycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64
	path   *dialog.Path
}

// Manager менеджер регистрации одного сетевого интерфейса.
//
// Инварианты:
//   - в любой момент выполняется не более одной REGISTER транзакции
//   - Unregister во время регистрации откладывается до ее завершения
//   - CSeq растет на каждый REGISTER, включая повторы после 401/423/302
type Manager struct {
	cfg      Config
	tr       transport.Transport
	digest   *auth.DigestAgent
	store    settings.Store
	metrics  *metrics.Metrics
	listener Listener
	clock    Clock
	random   func() float64
	log      zerolog.Logger

	mu             sync.Mutex
	fsm            *fsm.FSM
	proxy          Proxy
	hasProxy       bool
	instanceID     string
	path           *dialog.Path
	expirePeriod   int
	natAddress     string
	natPort        int
	gruu           dialog.GRUU
	serviceRoutes  []sip.Uri
	associatedURIs []sip.Uri
	authFailures   int
	failures       int
	needUnregister bool
	refreshTimer   Timer
	retryTimer     Timer
	generation     uint64
	cancelCycle    context.CancelFunc
	closed         bool
}

// New создает менеджер регистрации поверх транспорта
func New(cfg Config, tr transport.Transport, opts ...Option) (*Manager, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport is nil")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid registration config: %w", err)
	}

	m := &Manager{
		cfg:          cfg,
		tr:           tr,
		digest:       auth.NewDigestAgent(),
		store:        settings.NewMemoryStore(),
		listener:     nopListener{},
		clock:        realClock{},
		random:       defaultRandom,
		log:          log.Logger.With().Str("component", "registration").Logger(),
		expirePeriod: cfg.Expires,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, fmt.Errorf("ошибка применения опции: %w", err)
		}
	}

	m.fsm = fsm.NewFSM(
		StateUnregistered,
		fsm.Events{
			{Name: eventRegister, Src: []string{StateUnregistered}, Dst: StateRegistering},
			{Name: eventRefresh, Src: []string{StateRegistered}, Dst: StateRefreshing},
			{Name: eventSuccess, Src: []string{StateRegistering, StateRefreshing}, Dst: StateRegistered},
			{Name: eventFailure, Src: []string{StateRegistering, StateRefreshing}, Dst: StateUnregistered},
			{Name: eventUnregister, Src: []string{StateRegistered}, Dst: StateUnregistering},
			{Name: eventTerminate, Src: []string{StateRegistering, StateRefreshing, StateRegistered, StateUnregistering}, Dst: StateUnregistered},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.metrics.RegistrationState(e.Dst)
				m.log.Debug().Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("registration state changed")
			},
		},
	)
	m.metrics.RegistrationState(StateUnregistered)

	if err := m.loadPersisted(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// SetProxy задает proxy, через который идут REGISTER. Применяется со следующего цикла.
func (m *Manager) SetProxy(p Proxy) {
	if p.AuthMode == "" {
		p.AuthMode = AuthDigest
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxy = p
	m.hasProxy = true
}

// Proxy возвращает текущий proxy
func (m *Manager) Proxy() Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proxy
}

// OutboundProxy адрес proxy (host:port) для запросов сервисов, пусто до SetProxy
func (m *Manager) OutboundProxy() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasProxy {
		return ""
	}
	return m.proxy.Address()
}

// SetListener заменяет слушателя (до первого Register)
func (m *Manager) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Register запускает цикл регистрации и блокируется до его завершения.
// Если регистрация уже выполняется или активна, ничего не делает.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	if !m.hasProxy {
		m.mu.Unlock()
		return ErrNoProxy
	}
	if !m.fsm.Is(StateUnregistered) {
		m.mu.Unlock()
		return nil
	}
	m.stopTimersLocked()
	m.fireLocked(eventRegister)
	m.path = m.newPathLocked()
	m.expirePeriod = m.cfg.Expires
	m.authFailures = 0
	c := m.beginCycleLocked(ctx)
	expires := m.expirePeriod
	m.mu.Unlock()

	m.log.Info().Str("call_id", c.path.CallID()).Int("expires", expires).Msg("registering")
	return m.run(c, expires)
}

// Unregister снимает регистрацию (REGISTER Expires: 0).
// Во время активной REGISTER транзакции снятие откладывается до ее завершения.
// Повторный вызов без регистрации ничего не делает.
func (m *Manager) Unregister(ctx context.Context) error {
	m.mu.Lock()
	switch m.fsm.Current() {
	case StateRegistering, StateRefreshing:
		m.needUnregister = true
		m.mu.Unlock()
		m.log.Debug().Msg("unregister deferred until registration completes")
		return nil
	case StateRegistered:
	default:
		m.stopTimersLocked()
		m.mu.Unlock()
		return nil
	}
	m.stopTimersLocked()
	m.fireLocked(eventUnregister)
	c := m.beginCycleLocked(ctx)
	m.mu.Unlock()
	defer c.cancel()

	var lastErr error
	for attempt := 0; attempt < MaxAuthFailures; attempt++ {
		c.path.IncrementCSeq()
		req, err := m.buildRegister(c.path, 0)
		if err != nil {
			lastErr = err
			break
		}
		res, err := m.tr.SendRequestAndWait(c.ctx, req, m.cfg.TransactionTimeout, nil)
		if !m.current(c) {
			return ErrAborted
		}
		if err != nil {
			lastErr = err
			break
		}
		if res.StatusCode == statusUnauthorized {
			if h := res.GetHeader("WWW-Authenticate"); h != nil && m.digest.ReadChallenge(h.Value()) == nil {
				continue
			}
		}
		if res.StatusCode >= 300 {
			lastErr = fmt.Errorf("unregister rejected: %d %s", res.StatusCode, res.Reason)
		}
		break
	}
	if lastErr != nil {
		m.log.Warn().Err(lastErr).Msg("network unregister failed, clearing local state")
	}
	return m.terminate(c)
}

// Restart сбрасывает текущую регистрацию без отправки Expires: 0
// и запускает новую в отдельной горутине. Используется при смене адреса.
func (m *Manager) Restart(ctx context.Context) {
	m.Stop()
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := m.Register(ctx); err != nil {
			m.log.Debug().Err(err).Msg("restart registration failed")
		}
	}()
}

// Stop прерывает текущий цикл и таймеры, состояние сбрасывается локально
func (m *Manager) Stop() {
	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	m.tr.StopKeepAlive()
}

// Close останавливает менеджер окончательно
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.resetLocked()
	m.mu.Unlock()
	m.tr.StopKeepAlive()
}

// IsRegistered истина в состоянии registered и во время обновления
func (m *Manager) IsRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Is(StateRegistered) || m.fsm.Is(StateRefreshing)
}

// IsRegistering истина во время первичной регистрации
func (m *Manager) IsRegistering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Is(StateRegistering)
}

// State возвращает текущее состояние FSM
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// ExpirePeriod период регистрации, подтвержденный сервером (или запрошенный)
func (m *Manager) ExpirePeriod() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expirePeriod
}

// NatAddress публичный адрес из Via received, пусто если NAT не обнаружен
func (m *Manager) NatAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.natAddress
}

// NatPort публичный порт из Via rport
func (m *Manager) NatPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.natPort
}

// PublicGRUU возвращает pub-gruu последней регистрации
func (m *Manager) PublicGRUU() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gruu.Public
}

// TemporaryGRUU возвращает temp-gruu последней регистрации
func (m *Manager) TemporaryGRUU() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gruu.Temporary
}

// InstanceID значение +sip.instance, пусто если GRUU выключен
func (m *Manager) InstanceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instanceID
}

// PublicURI публичная идентичность устройства
func (m *Manager) PublicURI() sip.Uri {
	return *m.cfg.PublicURI.Clone()
}

// ServiceRoutes маршрут из Service-Route для запросов вне регистрации
func (m *Manager) ServiceRoutes() []sip.Uri {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sip.Uri(nil), m.serviceRoutes...)
}

// AssociatedURIs идентичности из P-Associated-URI
func (m *Manager) AssociatedURIs() []sip.Uri {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sip.Uri(nil), m.associatedURIs...)
}

// DialogPath диалог регистрации, nil без регистрации
func (m *Manager) DialogPath() *dialog.Path {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// DigestAgent digest контекст регистрации (разделяется с сессиями)
func (m *Manager) DigestAgent() *auth.DigestAgent {
	return m.digest
}

// Endpoint описание локальной стороны для запросов сервисов (с GRUU)
func (m *Manager) Endpoint() dialog.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep := m.endpointLocked()
	ep.GRUU = m.gruu.Public
	return ep
}

// RetryDelay задержка повтора после failures неудач подряд:
// min(max, base*2^failures) * U(0.5, 1.0)
func (m *Manager) RetryDelay(failures int) time.Duration {
	return backoff(m.cfg.RetryBase, m.cfg.RetryMax, failures, m.random())
}

// RefreshDelay задержка обновления регистрации для подтвержденного периода
func RefreshDelay(expire int) time.Duration {
	if expire > 1200 {
		return time.Duration(expire-600) * time.Second
	}
	return time.Duration(expire) * time.Second / 2
}

func backoff(base, maxDelay time.Duration, failures int, r float64) time.Duration {
	if failures < 0 {
		failures = 0
	}
	delay := math.Min(float64(base)*math.Pow(2, float64(failures)), float64(maxDelay))
	r = math.Max(0, math.Min(r, 1))
	return time.Duration(delay * (0.5 + 0.5*r))
}

// run выполняет REGISTER транзакции цикла до финального результата
func (m *Manager) run(c cycle, expires int) error {
	defer c.cancel()

	for attempt := 0; ; attempt++ {
		if attempt >= maxCycleRequests {
			return m.fail(c, &Error{Reason: ReasonTooManyRetries, Fatal: true})
		}

		req, err := m.buildRegister(c.path, expires)
		if err != nil {
			return m.fail(c, &Error{Reason: ReasonAuthentication, Fatal: true, Err: err})
		}

		res, err := m.tr.SendRequestAndWait(c.ctx, req, m.cfg.TransactionTimeout, nil)
		if !m.current(c) {
			return ErrAborted
		}
		if err != nil {
			reason := ReasonTransport
			if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				reason = ReasonTimeout
			}
			return m.fail(c, &Error{Reason: reason, Fatal: true, Err: err})
		}

		m.log.Debug().
			Str("call_id", c.path.CallID()).
			Uint32("cseq", req.CSeq().SeqNo).
			Int("status", res.StatusCode).
			Msg("register response")

		switch code := res.StatusCode; {
		case code >= 200 && code < 300:
			return m.handleSuccess(c, req, res, expires)

		case code == statusMovedTemporarily:
			target, err := dialog.ContactTarget(res)
			if err != nil {
				return m.fail(c, responseError(ReasonProtocol, res, err))
			}
			c.path.SetTarget(target)
			c.path.IncrementCSeq()
			m.log.Info().Str("target", target.String()).Msg("registration redirected")

		case code == statusUnauthorized:
			if !m.challenged(c, res) {
				return m.fail(c, responseError(ReasonAuthentication, res, nil))
			}
			c.path.IncrementCSeq()

		case code == statusIntervalTooBrief:
			minExpires, ok := dialog.MinExpires(res)
			if !ok {
				return m.fail(c, responseError(ReasonIntervalTooBrief, res, dialog.ErrNoHeader))
			}
			expires = minExpires
			m.mu.Lock()
			m.expirePeriod = minExpires
			m.mu.Unlock()
			c.path.IncrementCSeq()
			m.log.Info().Int("expires", minExpires).Msg("interval too brief, retrying with min-expires")

		default:
			return m.fail(c, responseError(ReasonRejected, res, nil))
		}
	}
}

// challenged учитывает 401 и читает challenge; false означает фатальную ошибку
func (m *Manager) challenged(c cycle, res *sip.Response) bool {
	m.mu.Lock()
	m.authFailures++
	failures := m.authFailures
	mode := m.proxy.AuthMode
	m.mu.Unlock()

	if failures >= MaxAuthFailures || mode == AuthGIBA {
		m.log.Warn().Int("attempt", failures).Str("call_id", c.path.CallID()).Msg("authentication failed")
		return false
	}
	h := res.GetHeader("WWW-Authenticate")
	if h == nil {
		return false
	}
	if err := m.digest.ReadChallenge(h.Value()); err != nil {
		m.log.Warn().Err(err).Msg("invalid challenge")
		return false
	}
	return true
}

func (m *Manager) handleSuccess(c cycle, req *sip.Request, res *sip.Response, requested int) error {
	uris, err := dialog.AssociatedURIs(res)
	if err != nil {
		return m.fail(c, responseError(ReasonProtocol, res, err))
	}
	routes, err := dialog.ServiceRoutes(res)
	if err != nil {
		m.log.Warn().Err(err).Msg("ignoring invalid Service-Route")
		routes = nil
	}

	instanceID := m.InstanceID()
	var contact sip.Uri
	if h := req.Contact(); h != nil {
		contact = h.Address
	}
	expire := dialog.ExtractExpires(res, contact, instanceID)
	if expire < 0 {
		expire = requested
	}
	if expire == 0 {
		return m.terminate(c)
	}

	gruu, hasGRUU := dialog.ExtractGRUU(res, instanceID)
	if h := res.GetHeader("Authentication-Info"); h != nil {
		m.digest.ReadAuthenticationInfo(h.Value())
	}
	local := m.tr.LocalAddr()
	natHost, natPort, natOK := dialog.ViaReceived(res)

	m.mu.Lock()
	if !m.currentLocked(c) {
		m.mu.Unlock()
		return ErrAborted
	}
	m.expirePeriod = expire
	m.associatedURIs = uris
	m.serviceRoutes = routes
	if hasGRUU {
		m.gruu = gruu
	}
	if natOK && (natHost != local.IP || natPort != local.Port) {
		m.natAddress, m.natPort = natHost, natPort
	} else {
		m.natAddress, m.natPort = "", 0
	}
	m.failures = 0
	m.authFailures = 0
	m.cancelCycle = nil
	m.fireLocked(eventSuccess)
	gen := m.generation
	m.refreshTimer = m.clock.AfterFunc(RefreshDelay(expire), func() { m.refresh(gen) })
	pending := m.needUnregister
	m.needUnregister = false
	proxy := m.proxy
	nat := m.natAddress
	listener := m.listener
	m.mu.Unlock()

	m.metrics.RegistrationAttempt("success")
	m.persist(c.ctx, gruu, hasGRUU)

	if m.cfg.KeepAlive && isUDP(proxy.Protocol) {
		period := dialog.KeepAlivePeriod(res, m.cfg.KeepAlivePeriod)
		if err := m.tr.StartKeepAlive(proxy.Address(), time.Duration(period)*time.Second); err != nil {
			m.log.Warn().Err(err).Msg("keep-alive not started")
		}
	}

	m.log.Info().
		Str("call_id", c.path.CallID()).
		Int("expires", expire).
		Str("nat", nat).
		Str("gruu", gruu.Public).
		Msg("registered")
	listener.OnRegistrationSuccess()

	if pending {
		return m.Unregister(context.WithoutCancel(c.ctx))
	}
	return nil
}

// fail завершает цикл неудачей и планирует повтор с экспоненциальной задержкой
func (m *Manager) fail(c cycle, e *Error) error {
	m.mu.Lock()
	if !m.currentLocked(c) {
		m.mu.Unlock()
		return ErrAborted
	}
	m.stopTimersLocked()
	m.path = nil
	m.cancelCycle = nil
	m.fireLocked(eventFailure)
	pending := m.needUnregister
	m.needUnregister = false

	var delay time.Duration
	if !pending && !m.closed {
		delay = m.RetryDelay(m.failures)
		m.failures++
		gen := m.generation
		m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	}
	failures := m.failures
	listener := m.listener
	m.mu.Unlock()

	m.tr.StopKeepAlive()
	m.metrics.RegistrationAttempt(e.Reason.String())
	if delay > 0 {
		m.metrics.RetryDelay(delay)
	}
	m.log.Warn().
		Err(e).
		Int("attempt", failures).
		Dur("delay", delay).
		Msg("registration failed")

	listener.OnRegistrationFailed(e)
	if pending {
		listener.OnRegistrationTerminated()
	}
	return e
}

// terminate фиксирует снятие регистрации
func (m *Manager) terminate(c cycle) error {
	m.mu.Lock()
	if !m.currentLocked(c) {
		m.mu.Unlock()
		return ErrAborted
	}
	m.clearLocked()
	m.fireLocked(eventTerminate)
	listener := m.listener
	m.mu.Unlock()

	m.tr.StopKeepAlive()
	m.metrics.RegistrationAttempt("unregistered")
	m.log.Info().Msg("unregistered")
	listener.OnRegistrationTerminated()
	return nil
}

func (m *Manager) refresh(gen uint64) {
	m.mu.Lock()
	if m.closed || m.generation != gen || !m.fsm.Is(StateRegistered) {
		m.mu.Unlock()
		return
	}
	m.refreshTimer = nil
	m.fireLocked(eventRefresh)
	m.authFailures = 0
	c := m.beginCycleLocked(context.Background())
	expires := m.expirePeriod
	m.mu.Unlock()

	c.path.IncrementCSeq()
	m.log.Debug().Str("call_id", c.path.CallID()).Int("expires", expires).Msg("refreshing registration")
	_ = m.run(c, expires)
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()

	if err := m.Register(context.Background()); err != nil {
		m.log.Debug().Err(err).Msg("registration retry failed")
	}
}

func (m *Manager) buildRegister(path *dialog.Path, expires int) (*sip.Request, error) {
	m.mu.Lock()
	ep := m.endpointLocked()
	proxy := m.proxy
	m.mu.Unlock()

	req := dialog.CreateRegister(path, ep, expires)
	req.SetDestination(proxy.Address())
	if !isUDP(proxy.Protocol) {
		req.SetTransport(ep.Transport)
	}

	if proxy.AuthMode == AuthGIBA {
		return req, nil
	}
	value, err := m.digest.NextAuthorization(m.cfg.PrivateID, m.cfg.Password, sip.REGISTER.String(), req.Recipient.String(), nil)
	switch {
	case errors.Is(err, auth.ErrNoChallenge):
	case err != nil:
		return nil, err
	default:
		req.AppendHeader(sip.NewHeader("Authorization", value))
	}
	return req, nil
}

func (m *Manager) endpointLocked() dialog.Endpoint {
	local := m.tr.LocalAddr()
	return dialog.Endpoint{
		User:              m.cfg.PublicURI.User,
		Host:              local.IP,
		Port:              local.Port,
		Transport:         m.proxy.Protocol,
		UserAgent:         m.cfg.UserAgent,
		InstanceID:        m.instanceID,
		KeepAlive:         m.cfg.KeepAlive && isUDP(m.proxy.Protocol),
		Features:          m.cfg.Features,
		AccessNetworkInfo: m.proxy.AccessNetworkInfo,
	}
}

func (m *Manager) newPathLocked() *dialog.Path {
	target := sip.Uri{Scheme: "sip", Host: m.cfg.HomeDomain}
	return dialog.NewPath(m.tr.GenerateCallID(), 1, target, m.cfg.PublicURI, m.cfg.PublicURI, nil)
}

func (m *Manager) beginCycleLocked(parent context.Context) cycle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	m.generation++
	m.cancelCycle = cancel
	return cycle{ctx: ctx, cancel: cancel, gen: m.generation, path: m.path}
}

func (m *Manager) current(c cycle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(c)
}

func (m *Manager) currentLocked(c cycle) bool {
	return m.generation == c.gen
}

func (m *Manager) stopTimersLocked() {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// clearLocked сбрасывает состояние регистрации кроме GRUU и счетчика неудач
func (m *Manager) clearLocked() {
	m.stopTimersLocked()
	m.path = nil
	m.natAddress, m.natPort = "", 0
	m.serviceRoutes = nil
	m.associatedURIs = nil
	m.needUnregister = false
	m.cancelCycle = nil
}

// resetLocked прерывает текущий цикл без сетевого обмена
func (m *Manager) resetLocked() {
	m.generation++
	if m.cancelCycle != nil {
		m.cancelCycle()
	}
	m.clearLocked()
	m.failures = 0
	m.fireLocked(eventTerminate)
}

func (m *Manager) fireLocked(event string) {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) && event == eventTerminate {
			return
		}
		m.log.Warn().Err(err).Str("event", event).Str("state", m.fsm.Current()).Msg("unexpected registration transition")
	}
}

func (m *Manager) loadPersisted(ctx context.Context) error {
	if gruu, ok, err := m.store.Get(ctx, settings.KeyPublicGRUU); err == nil && ok {
		m.gruu.Public = gruu
	}
	if gruu, ok, err := m.store.Get(ctx, settings.KeyTemporaryGRUU); err == nil && ok {
		m.gruu.Temporary = gruu
	}
	if !m.cfg.GRUU {
		return nil
	}

	id, ok, err := m.store.Get(ctx, settings.KeyInstanceID)
	if err != nil {
		return fmt.Errorf("load instance id: %w", err)
	}
	if !ok || id == "" {
		id = dialog.NewInstanceID()
		if err := m.store.Set(ctx, settings.KeyInstanceID, id); err != nil {
			return fmt.Errorf("store instance id: %w", err)
		}
	}
	m.instanceID = id
	return nil
}

func (m *Manager) persist(ctx context.Context, gruu dialog.GRUU, hasGRUU bool) {
	ctx = context.WithoutCancel(ctx)
	values := map[string]string{
		settings.KeyLastRegistration: m.clock.Now().UTC().Format(time.RFC3339),
	}
	if hasGRUU {
		values[settings.KeyPublicGRUU] = gruu.Public
		values[settings.KeyTemporaryGRUU] = gruu.Temporary
	}
	for key, value := range values {
		if err := m.store.Set(ctx, key, value); err != nil {
			m.log.Warn().Err(err).Str("key", key).Msg("failed to persist registration state")
		}
	}
}

func responseError(reason Reason, res *sip.Response, err error) *Error {
	return &Error{Reason: reason, Code: res.StatusCode, Phrase: res.Reason, Fatal: true, Err: err}
}
