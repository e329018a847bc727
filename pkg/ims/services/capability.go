package services

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/emiago/sipgo/sip"
)

// Capabilities возможности удаленного контакта
type Capabilities struct {
	Contact   string
	Features  Features
	UpdatedAt time.Time
}

// Capability обмен возможностями через OPTIONS
type Capability struct {
	*service.Base

	features []string

	mu     sync.RWMutex
	remote map[string]Capabilities
	now    func() time.Time
}

// NewCapability создает сервис. features добавляются в Contact ответа на OPTIONS.
func NewCapability(cfg service.Config, deps service.Deps, features []string) *Capability {
	c := &Capability{
		features: append([]string(nil), features...),
		remote:   make(map[string]Capabilities),
		now:      time.Now,
	}
	c.Base = service.NewBase(cfg, deps, func(req *sip.Request) bool {
		return req.Method == sip.OPTIONS
	})
	c.Handle(sip.OPTIONS, c.handleOptions)
	return c
}

func (c *Capability) handleOptions(req *sip.Request) error {
	if from := req.From(); from != nil {
		c.remember(from.Address, RequestFeatures(req))
	}

	res := dialog.CreateResponse(req, 200, "OK", dialog.NewTag())
	res.AppendHeader(c.endpoint().Contact())
	res.AppendHeader(sip.NewHeader("Allow", dialog.AllowedMethods))
	res.AppendHeader(sip.NewHeader("Accept", ContentTypeSDP))
	c.Send(res)
	return nil
}

func (c *Capability) endpoint() dialog.Endpoint {
	var ep dialog.Endpoint
	if id := c.Deps().Identity; id != nil {
		ep = id.Endpoint()
	}
	ep.Features = append(append([]string(nil), ep.Features...), c.features...)
	return ep
}

// Query запрашивает возможности контакта to
func (c *Capability) Query(ctx context.Context, to sip.Uri) (Capabilities, error) {
	deps := c.Deps()
	path, err := newOutgoingPath(deps, to)
	if err != nil {
		return Capabilities{}, err
	}
	ep := c.endpoint()
	build := func() (*sip.Request, error) { return dialog.CreateOptions(path, ep), nil }

	_, res, err := sendWithAuth(ctx, deps, path, build, nil)
	if err != nil {
		return Capabilities{}, err
	}
	if res.StatusCode >= 300 {
		return Capabilities{}, &FailedError{Method: sip.OPTIONS, Code: res.StatusCode, Reason: res.Reason}
	}
	return c.remember(to, ResponseFeatures(res)), nil
}

// Remote возвращает последние известные возможности контакта
func (c *Capability) Remote(contact sip.Uri) (Capabilities, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps, ok := c.remote[contactKey(contact)]
	return caps, ok
}

func (c *Capability) remember(contact sip.Uri, f Features) Capabilities {
	caps := Capabilities{Contact: contactKey(contact), Features: f, UpdatedAt: c.now()}
	c.mu.Lock()
	c.remote[caps.Contact] = caps
	c.mu.Unlock()
	return caps
}
