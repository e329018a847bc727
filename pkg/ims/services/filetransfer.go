package services

import (
	"context"
	"errors"

	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/emiago/sipgo/sip"
)

// FileTransfer передача файлов по MSRP (INVITE с file-selector) и
// уведомления о передаче через HTTP (MESSAGE с описанием файла)
type FileTransfer struct {
	*service.Base
	handlers

	// transfers сессии по file-transfer-id
	transfers *service.Registry[string]
}

// NewFileTransfer создает сервис передачи файлов
func NewFileTransfer(cfg service.Config, deps service.Deps) *FileTransfer {
	ft := &FileTransfer{transfers: service.NewRegistry[string](deps.Remover)}
	ft.Base = service.NewBase(cfg, deps, ft.accepts)
	ft.Handle(sip.INVITE, ft.handleInvite)
	ft.Handle(sip.MESSAGE, func(req *sip.Request) error {
		return ft.deliver(ft.Base, req)
	})
	return ft
}

func (ft *FileTransfer) accepts(req *sip.Request) bool {
	switch req.Method {
	case sip.MESSAGE:
		return contentType(req) == ContentTypeFileHTTP
	case sip.INVITE:
		f := RequestFeatures(req)
		if f.HasValue(TagIARI, IARIFileTransfer) || f.HasValue(TagIARI, IARIFileTransferHTTP) {
			return true
		}
		_, ok := sdpAttribute(req.Body(), sdpFileSelector)
		return ok
	default:
		return false
	}
}

func (ft *FileTransfer) handleInvite(req *sip.Request) error {
	key, _ := sdpAttribute(req.Body(), sdpFileTransferID)
	s, err := newIncomingSession(ft.Base, service.CategoryFileTransfer, key, req)
	if err != nil {
		return &service.RejectError{Code: 400, Reason: "Bad Request", Err: err}
	}
	if _, exists := ft.transfers.Get(s.Key()); exists {
		return &service.RejectError{Code: 486, Reason: "Busy Here", Err: errors.New("duplicate file-transfer-id")}
	}
	if err := ft.register(s); err != nil {
		return err
	}
	ft.offer(s)
	return nil
}

func (ft *FileTransfer) register(s *CallSession) error {
	if err := service.AddKeyed(ft.Base, ft.transfers, s.Key(), s); err != nil {
		return err
	}
	s.onTerminate(func(s *CallSession) {
		service.RemoveKeyed(ft.Base, ft.transfers, s.Key(), s)
	})
	return nil
}

// SendFile предлагает передачу файла; offer должен содержать a=file-selector
// и a=file-transfer-id
func (ft *FileTransfer) SendFile(ctx context.Context, to sip.Uri, offer []byte) (*CallSession, error) {
	id, ok := sdpAttribute(offer, sdpFileTransferID)
	if !ok {
		return nil, errors.New("services: offer without file-transfer-id")
	}
	return dial(ctx, ft.Base, service.CategoryFileTransfer, to, []string{iariTag(IARIFileTransfer)}, ContentTypeSDP, offer, func(s *CallSession) error {
		s.key = id
		return ft.register(s)
	})
}

// Transfer возвращает передачу по file-transfer-id
func (ft *FileTransfer) Transfer(id string) (*CallSession, bool) {
	return lookup(ft.transfers, id)
}
