// Package service содержит общую часть IMS сервисов: реестры сессий,
// маршрутизацию входящих запросов и отказы по политике.
package service

import (
	"errors"
	"strconv"
	"strings"

	"github.com/arzzra/ims_core/pkg/metrics"
	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AddressChecker проверяет, адресован ли Request-URI этому устройству
type AddressChecker interface {
	IsRegisteredAt(host string, port int) bool
}

// Identity данные текущей регистрации устройства
type Identity interface {
	InstanceID() string
	PublicGRUU() string
	PublicURI() sip.Uri
	ServiceRoutes() []sip.Uri
	OutboundProxy() string
	Endpoint() dialog.Endpoint
}

// Handler обрабатывает запрос вне диалога.
// *RejectError превращается в ответ с его кодом, прочие ошибки в 500.
type Handler func(req *sip.Request) error

// Config настройки сервиса
type Config struct {
	Name    string
	Enabled bool
	// MaxSessions предел одновременных сессий, 0 - без ограничения
	MaxSessions int
}

// Deps зависимости сервисов
type Deps struct {
	Transport transport.Transport
	Network   AddressChecker
	Identity  Identity
	Auth      *auth.SessionAgent
	Remover   *Remover
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger
}

// Base общая часть сервиса: реестр сессий по call-ID и таблица обработчиков
type Base struct {
	cfg      Config
	deps     Deps
	log      zerolog.Logger
	sessions *Registry[string]
	handlers map[sip.RequestMethod]Handler
	accepts  func(req *sip.Request) bool
}

// NewBase создает основу сервиса. accepts решает, забирает ли сервис
// запрос вне существующих сессий.
func NewBase(cfg Config, deps Deps, accepts func(req *sip.Request) bool) *Base {
	logger := log.Logger
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	b := &Base{
		cfg:      cfg,
		deps:     deps,
		log:      logger.With().Str("service", cfg.Name).Logger(),
		sessions: NewRegistry[string](deps.Remover),
		handlers: make(map[sip.RequestMethod]Handler),
		accepts:  accepts,
	}
	b.sessions.OnChange(func(size int) {
		deps.Metrics.ActiveSessions(cfg.Name, size)
	})
	return b
}

// Name имя сервиса
func (b *Base) Name() string { return b.cfg.Name }

// Enabled включен ли сервис
func (b *Base) Enabled() bool { return b.cfg.Enabled }

// MaxSessions предел сессий
func (b *Base) MaxSessions() int { return b.cfg.MaxSessions }

// Deps зависимости сервиса
func (b *Base) Deps() Deps { return b.deps }

// Logger логгер сервиса
func (b *Base) Logger() *zerolog.Logger { return &b.log }

// Handle регистрирует обработчик метода
func (b *Base) Handle(method sip.RequestMethod, h Handler) {
	b.handlers[method] = h
}

// HandleRequest маршрутизирует входящий запрос. Возвращает false,
// если запрос не относится к сервису (диспетчер предложит его следующему).
func (b *Base) HandleRequest(req *sip.Request) bool {
	if !b.cfg.Enabled {
		return false
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	sess, inSession := b.sessions.Get(callID)
	if !inSession && (b.accepts == nil || !b.accepts(req)) {
		return false
	}

	logger := b.log.With().Str("method", req.Method.String()).Str("call_id", callID).Logger()

	if !b.addressedToDevice(req.Recipient) {
		logger.Warn().Str("request_uri", req.Recipient.String()).Msg("request not addressed to registered contact")
		b.Reply(req, 404, "Not Found")
		return true
	}
	if !inSession && b.isLoopback(req) {
		logger.Warn().Msg("rejecting request from own instance")
		b.Reply(req, 486, "Busy Here")
		return true
	}

	if inSession {
		b.routeToSession(sess, req)
		return true
	}

	h, ok := b.handlers[req.Method]
	if !ok {
		b.Reply(req, 405, "Method Not Allowed")
		return true
	}
	b.invoke(h, req, logger)
	return true
}

func (b *Base) invoke(h Handler, req *sip.Request, logger zerolog.Logger) {
	err := h(req)
	if err == nil {
		return
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		label := strconv.Itoa(rej.Code)
		if errors.Is(rej, ErrCapacity) {
			label = "capacity"
		}
		b.deps.Metrics.SessionRejected(b.cfg.Name, label)
		logger.Info().Err(err).Msg("request rejected")
		b.Reply(req, rej.Code, rej.Reason)
		return
	}
	logger.Error().Err(err).Msg("request handler failed")
	b.Reply(req, 500, "Server Internal Error")
}

func (b *Base) routeToSession(sess Session, req *sip.Request) {
	var res *sip.Response
	switch req.Method {
	case sip.INVITE:
		res = sess.ReceiveReInvite(req)
	case sip.BYE:
		res = sess.ReceiveBye(req)
	case sip.CANCEL:
		res = sess.ReceiveCancel(req)
	case sip.ACK:
		sess.ReceiveAck(req)
	case sip.MESSAGE:
		res = sess.ReceiveMessage(req)
	case sip.NOTIFY:
		res = sess.ReceiveNotify(req)
	default:
		tag := ""
		if p := sess.DialogPath(); p != nil {
			tag = p.LocalTag()
		}
		res = dialog.CreateResponse(req, 405, "Method Not Allowed", tag)
	}
	if res != nil {
		b.Send(res)
	}
}

func (b *Base) addressedToDevice(uri sip.Uri) bool {
	if b.deps.Network != nil && b.deps.Network.IsRegisteredAt(uri.Host, uri.Port) {
		return true
	}
	if b.deps.Identity == nil {
		return false
	}
	return matchesGRUU(uri, b.deps.Identity.PublicGRUU())
}

// isLoopback истина, если Contact запроса несет наш +sip.instance или GRUU
func (b *Base) isLoopback(req *sip.Request) bool {
	if b.deps.Identity == nil {
		return false
	}
	contact := req.Contact()
	if contact == nil {
		return false
	}
	if own := b.deps.Identity.InstanceID(); own != "" {
		if inst, ok := contact.Params.Get("+sip.instance"); ok && strings.EqualFold(strings.Trim(inst, `"`), strings.Trim(own, `"`)) {
			return true
		}
	}
	return matchesGRUU(contact.Address, b.deps.Identity.PublicGRUU())
}

func matchesGRUU(uri sip.Uri, gruu string) bool {
	if gruu == "" {
		return false
	}
	var g sip.Uri
	if err := sip.ParseUri(gruu, &g); err != nil {
		return false
	}
	want, ok := g.UriParams.Get("gr")
	if !ok {
		return false
	}
	got, ok := uri.UriParams.Get("gr")
	return ok && got == want && uri.User == g.User && strings.EqualFold(uri.Host, g.Host)
}

// Reply отправляет ответ с новым локальным тегом; на ACK не отвечает
func (b *Base) Reply(req *sip.Request, code int, reason string) {
	if req.IsAck() {
		return
	}
	b.Send(dialog.CreateResponse(req, code, reason, dialog.NewTag()))
}

// Send отправляет готовый ответ через транспорт
func (b *Base) Send(res *sip.Response) {
	if b.deps.Transport == nil {
		return
	}
	if err := b.deps.Transport.SendResponse(res); err != nil {
		b.log.Warn().Err(err).Int("status", res.StatusCode).Msg("failed to send response")
	}
}

// AddSession индексирует сессию по call-ID с проверкой предела
func (b *Base) AddSession(s Session) error {
	if !b.sessions.AddIfAvailable(s.CallID(), s, b.cfg.MaxSessions) {
		return &RejectError{Code: 486, Reason: "Busy Here", Err: ErrCapacity}
	}
	b.log.Debug().Str("session", s.ID()).Str("call_id", s.CallID()).Str("category", s.Category().String()).Msg("session added")
	return nil
}

// RemoveSession планирует удаление сессии из индекса call-ID
func (b *Base) RemoveSession(s Session) {
	b.sessions.Remove(s.CallID(), s)
}

// SessionByCallID ищет сессию по call-ID
func (b *Base) SessionByCallID(callID string) (Session, bool) {
	return b.sessions.Get(callID)
}

// SessionCount число сессий сервиса
func (b *Base) SessionCount() int {
	return b.sessions.Size()
}

// IsAvailable можно ли открыть новую сессию
func (b *Base) IsAvailable() bool {
	return b.sessions.IsAvailable(b.cfg.MaxSessions)
}

// Sessions возвращает снимок сессий
func (b *Base) Sessions() []Session {
	var out []Session
	b.sessions.Each(func(_ string, s Session) {
		out = append(out, s)
	})
	return out
}

// AbortAll завершает все сессии сервиса.
// Terminate вызывается вне блокировки реестра: сессия удаляет себя из него.
func (b *Base) AbortAll(reason TerminationReason) {
	sessions := b.Sessions()
	for _, s := range sessions {
		s.Terminate(reason)
	}
	if len(sessions) > 0 {
		b.log.Info().Int("sessions", len(sessions)).Str("reason", reason.String()).Msg("aborted all sessions")
	}
}

// AddKeyed добавляет сессию в реестр по бизнес-ключу и, если у нее есть
// диалог, в индекс call-ID сервиса. Предел проверяется атомарно.
func AddKeyed[K comparable](b *Base, reg *Registry[K], key K, s Session) error {
	if s.DialogPath() == nil {
		if !reg.AddIfAvailable(key, s, b.cfg.MaxSessions) {
			return &RejectError{Code: 486, Reason: "Busy Here", Err: ErrCapacity}
		}
		return nil
	}
	if err := b.AddSession(s); err != nil {
		return err
	}
	reg.Add(key, s)
	return nil
}

// RemoveKeyed планирует удаление сессии из реестра по ключу и из индекса call-ID
func RemoveKeyed[K comparable](b *Base, reg *Registry[K], key K, s Session) {
	reg.Remove(key, s)
	if s.DialogPath() != nil {
		b.RemoveSession(s)
	}
}
