package services

import (
	"context"
	"strings"
	"sync"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/emiago/sipgo/sip"
)

// InvitationHandler получает новую входящую сессию после отправки 180.
// Вызывается в горутине диспетчера и должен вернуться быстро:
// Accept или Reject можно вызвать позже из любой горутины.
type InvitationHandler func(s *CallSession)

// MessageHandler получает stand-alone MESSAGE (pager mode) или MESSAGE сессии
type MessageHandler func(msg Message)

// Message входящее сообщение
type Message struct {
	CallID         string
	SessionID      string
	From           sip.Uri
	To             sip.Uri
	ContentType    string
	Body           []byte
	ContributionID string
	Features       Features
}

func newMessage(req *sip.Request) Message {
	msg := Message{
		ContentType:    contentType(req),
		Body:           req.Body(),
		ContributionID: headerValue(req, HeaderContributionID),
		Features:       RequestFeatures(req),
	}
	if h := req.CallID(); h != nil {
		msg.CallID = h.Value()
	}
	if h := req.From(); h != nil {
		msg.From = h.Address
	}
	if h := req.To(); h != nil {
		msg.To = h.Address
	}
	return msg
}

// handlers обработчики приложения, общие для сервисов
type handlers struct {
	mu         sync.RWMutex
	invitation InvitationHandler
	message    MessageHandler
}

// OnInvitation задает обработчик входящих приглашений
func (h *handlers) OnInvitation(fn InvitationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invitation = fn
}

// OnMessage задает обработчик входящих сообщений
func (h *handlers) OnMessage(fn MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.message = fn
}

func (h *handlers) messageHandler() MessageHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.message
}

// offer отправляет 180 и передает сессию приложению.
// Без обработчика приглашение отклоняется 480.
func (h *handlers) offer(s *CallSession) {
	h.mu.RLock()
	fn := h.invitation
	h.mu.RUnlock()
	if fn == nil {
		_ = s.Reject(480, "Temporarily Unavailable")
		return
	}
	if err := s.Ringing(); err != nil {
		s.log.Warn().Err(err).Msg("failed to send 180")
	}
	fn(s)
}

// deliver передает сообщение приложению и отвечает 200
func (h *handlers) deliver(b *service.Base, req *sip.Request) error {
	if fn := h.messageHandler(); fn != nil {
		fn(newMessage(req))
	}
	b.Reply(req, 200, "OK")
	return nil
}

// sessionService сервис, сессии которого индексируются только по Call-ID
type sessionService struct {
	*service.Base
	handlers
	category service.Category
}

func (c *sessionService) handleInvite(req *sip.Request) error {
	s, err := newIncomingSession(c.Base, c.category, "", req)
	if err != nil {
		return &service.RejectError{Code: 400, Reason: "Bad Request", Err: err}
	}
	if err := c.AddSession(s); err != nil {
		return err
	}
	s.onTerminate(c.removeSession)
	c.offer(s)
	return nil
}

func (c *sessionService) removeSession(s *CallSession) {
	c.RemoveSession(s)
}

func (c *sessionService) invite(ctx context.Context, to sip.Uri, features []string, contentType string, body []byte) (*CallSession, error) {
	return dial(ctx, c.Base, c.category, to, features, contentType, body, func(s *CallSession) error {
		if err := c.AddSession(s); err != nil {
			return err
		}
		s.onTerminate(c.removeSession)
		return nil
	})
}

// sendPagerMessage отправляет MESSAGE вне диалога (RFC 3428)
func sendPagerMessage(ctx context.Context, b *service.Base, to sip.Uri, features []string, contentType string, body []byte) error {
	deps := b.Deps()
	path, err := newOutgoingPath(deps, to)
	if err != nil {
		return err
	}
	ep := deps.Identity.Endpoint()
	build := func() (*sip.Request, error) {
		req := dialog.CreateMessage(path, ep, contentType, body)
		if ac := acceptContact(features); ac != "" {
			req.AppendHeader(sip.NewHeader(HeaderAcceptContact, ac))
		}
		return req, nil
	}
	_, res, err := sendWithAuth(ctx, deps, path, build, nil)
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return &FailedError{Method: sip.MESSAGE, Code: res.StatusCode, Reason: res.Reason}
	}
	b.Logger().Debug().Str("to", to.String()).Int("status", res.StatusCode).Msg("message delivered")
	return nil
}

// contactKey ключ контакта для реестров: user@host без параметров
func contactKey(u sip.Uri) string {
	host := strings.ToLower(u.Host)
	if u.User == "" {
		return host
	}
	return u.User + "@" + host
}
