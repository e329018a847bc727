package services

import (
	"strings"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/emiago/sipgo/sip"
)

// PresenceHandler получает NOTIFY и SUBSCRIBE с Event: presence
type PresenceHandler func(ev PresenceEvent)

// PresenceEvent входящее событие присутствия
type PresenceEvent struct {
	Method            sip.RequestMethod
	From              sip.Uri
	SubscriptionState string
	ContentType       string
	Body              []byte
}

// Presence прием уведомлений и подписок присутствия (RFC 3856)
type Presence struct {
	*service.Base
	handler PresenceHandler
}

// NewPresence создает сервис присутствия. handler может быть nil.
func NewPresence(cfg service.Config, deps service.Deps, handler PresenceHandler) *Presence {
	p := &Presence{handler: handler}
	p.Base = service.NewBase(cfg, deps, func(req *sip.Request) bool {
		return (req.Method == sip.NOTIFY || req.Method == sip.SUBSCRIBE) && isPresenceEvent(req)
	})
	p.Handle(sip.NOTIFY, p.handle)
	p.Handle(sip.SUBSCRIBE, p.handle)
	return p
}

func (p *Presence) handle(req *sip.Request) error {
	ev := PresenceEvent{
		Method:            req.Method,
		SubscriptionState: strings.ToLower(headerValue(req, "Subscription-State")),
		ContentType:       contentType(req),
		Body:              req.Body(),
	}
	if from := req.From(); from != nil {
		ev.From = from.Address
	}
	if ev.Method == sip.NOTIFY && ev.ContentType != "" && ev.ContentType != ContentTypePIDF {
		p.Logger().Debug().Str("content_type", ev.ContentType).Msg("unexpected presence document type")
	}
	if p.handler != nil {
		p.handler(ev)
	}

	res := dialog.CreateResponse(req, 200, "OK", dialog.NewTag())
	if req.Method == sip.SUBSCRIBE {
		if exp := req.GetHeader("Expires"); exp != nil {
			res.AppendHeader(sip.NewHeader("Expires", exp.Value()))
		}
	}
	p.Send(res)
	return nil
}
