package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/emiago/sipgo/sip"
)

// SipAPI произвольные SIP сессии и сообщения сторонних расширений (IARI rcs.ext.*)
type SipAPI struct {
	sessionService
}

// NewSipAPI создает сервис расширений
func NewSipAPI(cfg service.Config, deps service.Deps) *SipAPI {
	c := &SipAPI{sessionService{category: service.CategoryGeneric}}
	c.Base = service.NewBase(cfg, deps, c.accepts)
	c.Handle(sip.INVITE, c.handleInvite)
	c.Handle(sip.MESSAGE, func(req *sip.Request) error {
		return c.deliver(c.Base, req)
	})
	return c
}

func (c *SipAPI) accepts(req *sip.Request) bool {
	if req.Method != sip.INVITE && req.Method != sip.MESSAGE {
		return false
	}
	_, ok := ExtensionOf(req)
	return ok
}

// ExtensionOf возвращает IARI расширения, которому адресован запрос
func ExtensionOf(req *sip.Request) (string, bool) {
	return RequestFeatures(req).ValueWithPrefix(TagIARI, IARIExtensionPrefix)
}

// Invite открывает сессию расширения ext (суффикс после rcs.ext.)
func (c *SipAPI) Invite(ctx context.Context, to sip.Uri, ext, contentType string, body []byte) (*CallSession, error) {
	iari, err := extensionIARI(ext)
	if err != nil {
		return nil, err
	}
	return c.invite(ctx, to, []string{iariTag(iari)}, contentType, body)
}

// SendMessage отправляет сообщение расширения ext вне сессии
func (c *SipAPI) SendMessage(ctx context.Context, to sip.Uri, ext, contentType string, body []byte) error {
	iari, err := extensionIARI(ext)
	if err != nil {
		return err
	}
	return sendPagerMessage(ctx, c.Base, to, []string{iariTag(iari)}, contentType, body)
}

func extensionIARI(ext string) (string, error) {
	ext = strings.TrimPrefix(ext, IARIExtensionPrefix)
	if ext == "" || strings.ContainsAny(ext, " ;,\"") {
		return "", fmt.Errorf("services: invalid extension %q", ext)
	}
	return IARIExtensionPrefix + ext, nil
}
