package services

import (
	"context"
	"errors"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/emiago/sipgo/sip"
)

// InstantMessaging чаты один-на-один, групповые чаты и stand-alone сообщения
type InstantMessaging struct {
	*service.Base
	handlers

	// oneToOne сессии по контакту user@host
	oneToOne *service.Registry[string]
	// group сессии по Contribution-ID (chat-ID)
	group *service.Registry[string]
}

// NewInstantMessaging создает сервис обмена сообщениями
func NewInstantMessaging(cfg service.Config, deps service.Deps) *InstantMessaging {
	im := &InstantMessaging{
		oneToOne: service.NewRegistry[string](deps.Remover),
		group:    service.NewRegistry[string](deps.Remover),
	}
	im.Base = service.NewBase(cfg, deps, im.accepts)
	im.Handle(sip.MESSAGE, func(req *sip.Request) error {
		return im.deliver(im.Base, req)
	})
	im.Handle(sip.INVITE, im.handleInvite)
	return im
}

func (im *InstantMessaging) accepts(req *sip.Request) bool {
	switch req.Method {
	case sip.MESSAGE:
		if contentType(req) == ContentTypeFileHTTP {
			return false
		}
		_, ext := ExtensionOf(req)
		return !ext
	case sip.INVITE:
		return RequestFeatures(req).Has(TagIMChat)
	default:
		return false
	}
}

func (im *InstantMessaging) handleInvite(req *sip.Request) error {
	f := RequestFeatures(req)
	chatID := headerValue(req, HeaderContributionID)

	category, reg, key := service.CategoryOneToOneChat, im.oneToOne, ""
	if f.Has(TagIsFocus) {
		if chatID == "" {
			return &service.RejectError{Code: 400, Reason: "Bad Request", Err: errors.New("group chat without Contribution-ID")}
		}
		category, reg, key = service.CategoryGroupChat, im.group, chatID
	} else if from := req.From(); from != nil {
		key = contactKey(from.Address)
	}

	s, err := newIncomingSession(im.Base, category, key, req)
	if err != nil {
		return &service.RejectError{Code: 400, Reason: "Bad Request", Err: err}
	}

	// новый чат с тем же контактом заменяет предыдущий
	var previous service.Session
	if category == service.CategoryOneToOneChat {
		previous, _ = reg.Get(s.Key())
	}
	if err := im.register(reg, s); err != nil {
		return err
	}
	if previous != nil {
		previous.Terminate(service.ReasonTerminatedBySystem)
	}

	im.offer(s)
	return nil
}

func (im *InstantMessaging) register(reg *service.Registry[string], s *CallSession) error {
	if err := service.AddKeyed(im.Base, reg, s.Key(), s); err != nil {
		return err
	}
	s.onTerminate(func(s *CallSession) {
		service.RemoveKeyed(im.Base, reg, s.Key(), s)
	})
	s.OnMessage(func(s *CallSession, req *sip.Request) {
		if fn := im.messageHandler(); fn != nil {
			msg := newMessage(req)
			msg.SessionID = s.ID()
			fn(msg)
		}
	})
	return nil
}

// SendMessage отправляет stand-alone сообщение (pager mode)
func (im *InstantMessaging) SendMessage(ctx context.Context, to sip.Uri, contentType string, body []byte) error {
	return sendPagerMessage(ctx, im.Base, to, nil, contentType, body)
}

// StartChat открывает чат один-на-один с SDP предложением offer
func (im *InstantMessaging) StartChat(ctx context.Context, to sip.Uri, offer []byte) (*CallSession, error) {
	return dial(ctx, im.Base, service.CategoryOneToOneChat, to, []string{TagIMChat}, ContentTypeSDP, offer, func(s *CallSession) error {
		s.key = contactKey(to)
		return im.register(im.oneToOne, s)
	})
}

// Chat возвращает активный чат с контактом
func (im *InstantMessaging) Chat(contact sip.Uri) (*CallSession, bool) {
	return lookup(im.oneToOne, contactKey(contact))
}

// GroupChat возвращает групповой чат по chat-ID
func (im *InstantMessaging) GroupChat(chatID string) (*CallSession, bool) {
	return lookup(im.group, chatID)
}

// ChatCount число чатов один-на-один и групповых
func (im *InstantMessaging) ChatCount() (oneToOne, group int) {
	return im.oneToOne.Size(), im.group.Size()
}

func lookup(reg *service.Registry[string], key string) (*CallSession, bool) {
	s, ok := reg.Get(key)
	if !ok {
		return nil, false
	}
	cs, ok := s.(*CallSession)
	return cs, ok
}
