package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// byeTimeout ожидание ответа на BYE/CANCEL, отправляемые при завершении
const byeTimeout = 10 * time.Second

// SessionState состояние сессии
type SessionState int

const (
	// StatePending приглашение отправлено или получено, финального ответа нет
	StatePending SessionState = iota
	// StateEstablished 2xx отправлен или получен
	StateEstablished
	// StateTerminated сессия завершена
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CallSession сессия на основе INVITE диалога.
// Вид сессии (чат, передача файла, звонок ...) задается Category.
type CallSession struct {
	id       string
	category service.Category
	key      string
	incoming bool
	base     *service.Base
	log      zerolog.Logger

	mu           sync.Mutex
	path         *dialog.Path
	invite       *sip.Request
	state        SessionState
	reason       service.TerminationReason
	remoteType   string
	remoteBody   []byte
	localType    string
	localBody    []byte
	onMessage    func(s *CallSession, req *sip.Request)
	onTerminated []func(s *CallSession)
	done         chan struct{}
}

func newCallSession(base *service.Base, category service.Category, key string, path *dialog.Path, incoming bool) *CallSession {
	id := uuid.NewString()
	return &CallSession{
		id:       id,
		category: category,
		key:      key,
		incoming: incoming,
		base:     base,
		path:     path,
		log: base.Logger().With().
			Str("session", id).
			Str("call_id", path.CallID()).
			Str("category", category.String()).
			Logger(),
		done: make(chan struct{}),
	}
}

// newIncomingSession создает сессию по входящему INVITE. Пустой key заменяется Call-ID.
func newIncomingSession(base *service.Base, category service.Category, key string, req *sip.Request) (*CallSession, error) {
	path, err := dialog.NewUASPath(req)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = path.CallID()
	}
	s := newCallSession(base, category, key, path, true)
	s.invite = req
	s.remoteType = contentType(req)
	s.remoteBody = req.Body()
	return s, nil
}

// ID идентификатор сессии
func (s *CallSession) ID() string { return s.id }

// CallID Call-ID диалога
func (s *CallSession) CallID() string { return s.path.CallID() }

// Category вид сессии
func (s *CallSession) Category() service.Category { return s.category }

// Key бизнес-ключ сессии в реестре сервиса (контакт, chat-ID, ID передачи)
func (s *CallSession) Key() string { return s.key }

// DialogPath диалог сессии
func (s *CallSession) DialogPath() *dialog.Path { return s.path }

// IsIncoming входящая ли сессия
func (s *CallSession) IsIncoming() bool { return s.incoming }

// RemoteParty адрес удаленной стороны
func (s *CallSession) RemoteParty() sip.Uri { return s.path.RemoteParty() }

// State текущее состояние
func (s *CallSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TerminationReason причина завершения, имеет смысл после Done
func (s *CallSession) TerminationReason() service.TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// RemoteBody тело приглашения удаленной стороны (SDP)
func (s *CallSession) RemoteBody() (string, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteType, s.remoteBody
}

// Done закрывается при завершении сессии
func (s *CallSession) Done() <-chan struct{} { return s.done }

// OnMessage задает обработчик MESSAGE внутри сессии
func (s *CallSession) OnMessage(fn func(s *CallSession, req *sip.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// onTerminate добавляет обработчик завершения (удаление из реестров)
func (s *CallSession) onTerminate(fn func(s *CallSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminated = append(s.onTerminated, fn)
}

// Ringing отправляет 180 на входящее приглашение
func (s *CallSession) Ringing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.incoming || s.state != StatePending {
		return ErrSessionState
	}
	res := dialog.CreateResponse(s.invite, 180, "Ringing", s.path.LocalTag())
	res.AppendHeader(s.endpoint().Contact())
	s.base.Send(res)
	return nil
}

// Accept принимает входящее приглашение ответом 200 с телом body
func (s *CallSession) Accept(contentType string, body []byte) error {
	s.mu.Lock()
	if !s.incoming || s.state != StatePending {
		s.mu.Unlock()
		return ErrSessionState
	}
	if err := s.path.SigEstablished(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = StateEstablished
	s.localType, s.localBody = contentType, body
	res := s.okLocked(s.invite)
	s.mu.Unlock()

	s.log.Info().Msg("session accepted")
	s.base.Send(res)
	return nil
}

// Reject отклоняет входящее приглашение
func (s *CallSession) Reject(code int, reason string) error {
	s.mu.Lock()
	if !s.incoming || s.state != StatePending {
		s.mu.Unlock()
		return ErrSessionState
	}
	invite := s.invite
	s.state = StateTerminated
	s.reason = service.ReasonTerminatedByUser
	s.mu.Unlock()

	s.base.Send(dialog.CreateResponse(invite, code, reason, s.path.LocalTag()))
	s.finish(code, reason)
	return nil
}

// okLocked строит 200 на INVITE с Contact и локальным телом
func (s *CallSession) okLocked(req *sip.Request) *sip.Response {
	res := dialog.CreateResponse(req, 200, "OK", s.path.LocalTag())
	res.AppendHeader(s.endpoint().Contact())
	res.AppendHeader(sip.NewHeader("Allow", dialog.AllowedMethods))
	if len(s.localBody) > 0 {
		ct := sip.ContentTypeHeader(s.localType)
		res.AppendHeader(&ct)
		res.SetBody(s.localBody)
	}
	return res
}

func (s *CallSession) endpoint() dialog.Endpoint {
	if id := s.base.Deps().Identity; id != nil {
		return id.Endpoint()
	}
	return dialog.Endpoint{}
}

// ReceiveReInvite обновляет удаленный target и отвечает текущим локальным телом
func (s *CallSession) ReceiveReInvite(req *sip.Request) *sip.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return dialog.CreateResponse(req, 491, "Request Pending", s.path.LocalTag())
	}
	if cseq := req.CSeq(); cseq != nil && !s.path.Sequence().ValidateRemoteCSeq(cseq.SeqNo) {
		return dialog.CreateResponse(req, 500, "Server Internal Error", s.path.LocalTag())
	}
	if c := req.Contact(); c != nil {
		s.path.SetTarget(c.Address)
	}
	if body := req.Body(); len(body) > 0 {
		s.remoteType, s.remoteBody = contentType(req), body
	}
	s.log.Debug().Msg("session refreshed by re-INVITE")
	return s.okLocked(req)
}

// ReceiveBye завершает сессию по запросу удаленной стороны
func (s *CallSession) ReceiveBye(req *sip.Request) *sip.Response {
	res := dialog.CreateResponse(req, 200, "OK", s.path.LocalTag())
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return dialog.CreateResponse(req, 481, "Call/Transaction Does Not Exist", s.path.LocalTag())
	}
	s.state = StateTerminated
	s.reason = service.ReasonTerminatedByRemote
	s.mu.Unlock()

	s.log.Info().Msg("session terminated by remote")
	s.finish(0, "BYE")
	return res
}

// ReceiveCancel отменяет входящее приглашение, на которое еще нет финального ответа
func (s *CallSession) ReceiveCancel(req *sip.Request) *sip.Response {
	s.mu.Lock()
	if !s.incoming || s.state != StatePending {
		s.mu.Unlock()
		return dialog.CreateResponse(req, 481, "Call/Transaction Does Not Exist", s.path.LocalTag())
	}
	invite := s.invite
	s.state = StateTerminated
	s.reason = service.ReasonTerminatedByRemote
	s.mu.Unlock()

	_ = s.path.SessionCancelled()
	s.base.Send(dialog.CreateResponse(invite, 487, "Request Terminated", s.path.LocalTag()))
	s.log.Info().Msg("invitation cancelled by remote")
	s.finish(487, "Request Terminated")
	return dialog.CreateResponse(req, 200, "OK", s.path.LocalTag())
}

// ReceiveAck подтверждает установку сессии
func (s *CallSession) ReceiveAck(*sip.Request) {
	if err := s.path.SessionEstablished(); err != nil {
		s.log.Debug().Err(err).Msg("ACK after termination")
		return
	}
	s.log.Debug().Msg("session established")
}

// ReceiveMessage передает MESSAGE внутри сессии обработчику
func (s *CallSession) ReceiveMessage(req *sip.Request) *sip.Response {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(s, req)
	}
	return dialog.CreateResponse(req, 200, "OK", s.path.LocalTag())
}

// ReceiveNotify подтверждает NOTIFY внутри сессии
func (s *CallSession) ReceiveNotify(req *sip.Request) *sip.Response {
	return dialog.CreateResponse(req, 200, "OK", s.path.LocalTag())
}

// Terminate завершает сессию. Сетевой обмен (BYE, CANCEL) выполняется в фоне.
func (s *CallSession) Terminate(reason service.TerminationReason) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	prev, invite := s.state, s.invite
	s.state = StateTerminated
	s.reason = reason
	s.mu.Unlock()

	s.log.Info().Str("reason", reason.String()).Str("state", prev.String()).Msg("terminating session")

	notify := reason != service.ReasonTerminatedByRemote && reason != service.ReasonConnectionLost
	switch {
	case prev == StatePending && s.incoming:
		if notify {
			code, phrase := 486, "Busy Here"
			if reason == service.ReasonTerminatedByUser {
				code, phrase = 603, "Decline"
			}
			s.base.Send(dialog.CreateResponse(invite, code, phrase, s.path.LocalTag()))
		}
	case prev == StatePending:
		if notify {
			go s.sendCancel()
		}
	case prev == StateEstablished:
		if notify {
			go s.sendBye()
		}
	}
	s.finish(0, reason.String())
}

// Cancel отменяет исходящее приглашение
func (s *CallSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.incoming || s.state != StatePending {
		s.mu.Unlock()
		return ErrSessionState
	}
	s.state = StateTerminated
	s.reason = service.ReasonTerminatedByUser
	s.mu.Unlock()

	err := s.cancel(ctx)
	s.finish(487, "Request Terminated")
	return err
}

func (s *CallSession) cancel(ctx context.Context) error {
	_ = s.path.SessionCancelled()
	req, err := dialog.CreateCancel(s.path)
	if err != nil {
		return err
	}
	deps := s.base.Deps()
	prepare(deps, req)
	res, err := deps.Transport.SendRequestAndWait(ctx, req, byeTimeout, nil)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return &FailedError{Method: sip.CANCEL, Code: res.StatusCode, Reason: res.Reason}
	}
	return nil
}

func (s *CallSession) sendCancel() {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := s.cancel(ctx); err != nil {
		s.log.Warn().Err(err).Msg("CANCEL failed")
	}
}

func (s *CallSession) sendBye() {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	s.path.IncrementCSeq()
	ep := s.endpoint()
	build := func() (*sip.Request, error) { return dialog.CreateBye(s.path, ep), nil }
	_, res, err := sendWithAuth(ctx, s.base.Deps(), s.path, build, nil)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("BYE failed")
	case res.StatusCode >= 300:
		s.log.Warn().Int("status", res.StatusCode).Msg("BYE rejected")
	default:
		s.log.Debug().Msg("BYE acknowledged")
	}
}

// finish переводит диалог в терминальное состояние и вызывает обработчики завершения
func (s *CallSession) finish(code int, phrase string) {
	if err := s.path.SessionTerminated(code, phrase); err != nil && !errors.Is(err, dialog.ErrDialogTerminated) {
		s.log.Warn().Err(err).Msg("dialog termination")
	}
	s.mu.Lock()
	hooks := s.onTerminated
	s.onTerminated = nil
	s.mu.Unlock()

	close(s.done)
	for _, fn := range hooks {
		fn(s)
	}
}

// dial отправляет INVITE и ждет финальный ответ. register добавляет
// сессию в реестры сервиса до отправки (проверка емкости).
func dial(ctx context.Context, base *service.Base, category service.Category, to sip.Uri, features []string, contentType string, body []byte, register func(s *CallSession) error) (*CallSession, error) {
	deps := base.Deps()
	path, err := newOutgoingPath(deps, to)
	if err != nil {
		return nil, err
	}
	s := newCallSession(base, category, to.String(), path, false)
	s.localType, s.localBody = contentType, body
	if err := register(s); err != nil {
		return nil, err
	}

	ep := deps.Identity.Endpoint()
	ep.Features = append(append([]string(nil), ep.Features...), features...)
	build := func() (*sip.Request, error) {
		req := dialog.CreateInvite(path, ep, contentType, body)
		if ac := acceptContact(features); ac != "" {
			req.AppendHeader(sip.NewHeader(HeaderAcceptContact, ac))
		}
		return req, nil
	}

	s.log.Info().Str("to", to.String()).Msg("sending invitation")
	_, res, err := sendWithAuth(ctx, deps, path, build, s.provisional)
	if err != nil {
		s.abort(service.ReasonTerminatedBySystem, err.Error())
		return nil, err
	}
	if err := s.answered(res, ep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CallSession) provisional(res *sip.Response) {
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" && s.path.RemoteTag() == "" {
			s.path.SetRemoteTag(tag)
			_ = s.path.SigEstablished()
		}
	}
}

// answered обрабатывает финальный ответ на исходящий INVITE
func (s *CallSession) answered(res *sip.Response, ep dialog.Endpoint) error {
	if res.StatusCode >= 300 {
		s.mu.Lock()
		cancelled := s.state == StateTerminated
		if !cancelled {
			s.state = StateTerminated
			s.reason = service.ReasonTerminatedByRemote
		}
		s.mu.Unlock()
		if !cancelled {
			s.finish(res.StatusCode, res.Reason)
		}
		if res.StatusCode == 487 && cancelled {
			return ErrCancelled
		}
		return &FailedError{Method: sip.INVITE, Code: res.StatusCode, Reason: res.Reason}
	}

	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			s.path.SetRemoteTag(tag)
		}
	}
	if c := res.Contact(); c != nil {
		s.path.SetTarget(c.Address)
	}
	var recordRoutes []string
	for _, h := range res.GetHeaders("Record-Route") {
		recordRoutes = append(recordRoutes, h.Value())
	}
	if len(recordRoutes) > 0 {
		if err := s.path.Route().BuildFromRecordRoute(recordRoutes, true); err != nil {
			s.log.Warn().Err(err).Msg("invalid Record-Route")
		}
	}

	s.mu.Lock()
	if s.state == StatePending {
		s.state = StateEstablished
	}
	s.remoteType = mediaType(res.ContentType())
	s.remoteBody = res.Body()
	s.mu.Unlock()

	ack, err := dialog.CreateAck(s.path, ep)
	if err != nil {
		return err
	}
	prepare(s.base.Deps(), ack)
	if err := s.base.Deps().Transport.SendRequest(ack); err != nil {
		s.abort(service.ReasonTerminatedBySystem, err.Error())
		return err
	}

	s.mu.Lock()
	cancelled := s.state == StateTerminated
	s.mu.Unlock()
	if cancelled {
		// 2xx пришел после CANCEL: сессия уже завершена локально
		go s.sendBye()
		return ErrCancelled
	}
	_ = s.path.SessionEstablished()
	s.log.Info().Msg("session established")
	return nil
}

// abort завершает сессию без сетевого обмена
func (s *CallSession) abort(reason service.TerminationReason, phrase string) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	s.reason = reason
	s.mu.Unlock()
	s.finish(0, phrase)
}
