package services

import (
	"context"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/emiago/sipgo/sip"
)

// IPCall голосовые и видео вызовы MMTel (ICSI mmtel)
type IPCall struct {
	sessionService
}

// NewIPCall создает сервис IP вызовов
func NewIPCall(cfg service.Config, deps service.Deps) *IPCall {
	c := &IPCall{sessionService{category: service.CategoryIPCall}}
	c.Base = service.NewBase(cfg, deps, c.accepts)
	c.Handle(sip.INVITE, c.handleInvite)
	return c
}

func (c *IPCall) accepts(req *sip.Request) bool {
	if req.Method != sip.INVITE {
		return false
	}
	f := RequestFeatures(req)
	return f.HasValue(TagICSI, ICSIMMTel) && !isRichCall(f)
}

// Call начинает исходящий вызов с SDP предложением offer
func (c *IPCall) Call(ctx context.Context, to sip.Uri, offer []byte) (*CallSession, error) {
	return c.invite(ctx, to, []string{icsiTag(ICSIMMTel)}, ContentTypeSDP, offer)
}
