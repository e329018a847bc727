package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/emiago/sipgo/sip"
)

// DefaultRequestTimeout время ожидания финального ответа на запрос сервиса
const DefaultRequestTimeout = 32 * time.Second

var (
	// ErrNotRegistered исходящий запрос без регистрации
	ErrNotRegistered = errors.New("ims: not registered")
	// ErrSessionState операция недопустима в текущем состоянии сессии
	ErrSessionState = errors.New("ims: invalid session state")
	// ErrCancelled исходящее приглашение отменено
	ErrCancelled = errors.New("ims: invitation cancelled")
)

// FailedError неуспешный финальный ответ на исходящий запрос
type FailedError struct {
	Method sip.RequestMethod
	Code   int
	Reason string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Method, e.Code, e.Reason)
}

// requestBuilder строит запрос заново для каждой попытки (CSeq, branch)
type requestBuilder func() (*sip.Request, error)

// sendWithAuth подписывает запрос nonce регистрации и отправляет его.
// На 401/407 читает challenge и повторяет один раз с новым CSeq.
func sendWithAuth(ctx context.Context, deps service.Deps, path *dialog.Path, build requestBuilder, onProvisional func(*sip.Response)) (*sip.Request, *sip.Response, error) {
	req, err := build()
	if err != nil {
		return nil, nil, err
	}
	prepare(deps, req)
	if deps.Auth != nil {
		if err := deps.Auth.SetAuthorizationFromRegister(req); err != nil {
			return req, nil, err
		}
	}

	res, err := deps.Transport.SendRequestAndWait(ctx, req, DefaultRequestTimeout, onProvisional)
	if err != nil {
		return req, nil, err
	}
	if (res.StatusCode != 401 && res.StatusCode != 407) || deps.Auth == nil {
		return req, res, nil
	}
	if err := deps.Auth.ReadProxyChallenge(res); err != nil {
		return req, res, nil
	}

	path.IncrementCSeq()
	if req, err = build(); err != nil {
		return nil, nil, err
	}
	prepare(deps, req)
	if err := deps.Auth.SetProxyAuthorization(req); err != nil {
		return req, nil, err
	}
	res, err = deps.Transport.SendRequestAndWait(ctx, req, DefaultRequestTimeout, onProvisional)
	return req, res, err
}

// prepare направляет запрос на outbound proxy с транспортом регистрации
func prepare(deps service.Deps, req *sip.Request) {
	if deps.Identity == nil {
		return
	}
	if dst := deps.Identity.OutboundProxy(); dst != "" {
		req.SetDestination(dst)
	}
	if tp := strings.ToLower(deps.Identity.Endpoint().Transport); tp != "" && tp != "udp" {
		req.SetTransport(strings.ToUpper(tp))
	}
}

// newOutgoingPath создает диалог к to с предзагруженным Service-Route
func newOutgoingPath(deps service.Deps, to sip.Uri) (*dialog.Path, error) {
	if deps.Identity == nil || deps.Transport == nil || !deps.Transport.IsReady() {
		return nil, ErrNotRegistered
	}
	return dialog.NewPath(deps.Transport.GenerateCallID(), 1, to, deps.Identity.PublicURI(), to, deps.Identity.ServiceRoutes()), nil
}

// acceptContact значение Accept-Contact для исходящего запроса
func acceptContact(features []string) string {
	if len(features) == 0 {
		return ""
	}
	return "*;" + strings.Join(features, ";")
}

// iariTag feature tag +g.3gpp.iari-ref с закодированным значением
func iariTag(iari string) string {
	return TagIARI + `="` + strings.ReplaceAll(iari, ":", "%3A") + `"`
}

// icsiTag feature tag +g.3gpp.icsi-ref с закодированным значением
func icsiTag(icsi string) string {
	return TagICSI + `="` + strings.ReplaceAll(icsi, ":", "%3A") + `"`
}
