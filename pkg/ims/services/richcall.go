package services

import (
	"context"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/emiago/sipgo/sip"
)

// RichCall обмен видео и изображениями во время вызова (GSMA video share, image share)
type RichCall struct {
	sessionService
}

// NewRichCall создает сервис rich call
func NewRichCall(cfg service.Config, deps service.Deps) *RichCall {
	c := &RichCall{sessionService{category: service.CategoryRichCall}}
	c.Base = service.NewBase(cfg, deps, c.accepts)
	c.Handle(sip.INVITE, c.handleInvite)
	return c
}

func (c *RichCall) accepts(req *sip.Request) bool {
	return req.Method == sip.INVITE && isRichCall(RequestFeatures(req))
}

func isRichCall(f Features) bool {
	return f.HasValue(TagIARI, IARIVideoShare) || f.HasValue(TagIARI, IARIImageShare)
}

// ShareVideo предлагает удаленной стороне видео поток
func (c *RichCall) ShareVideo(ctx context.Context, to sip.Uri, offer []byte) (*CallSession, error) {
	return c.invite(ctx, to, []string{iariTag(IARIVideoShare)}, ContentTypeSDP, offer)
}

// ShareImage предлагает удаленной стороне изображение
func (c *RichCall) ShareImage(ctx context.Context, to sip.Uri, offer []byte) (*CallSession, error) {
	return c.invite(ctx, to, []string{iariTag(IARIImageShare)}, ContentTypeSDP, offer)
}
