package service

import (
	"context"
	"fmt"

	"github.com/arzzra/ims_core/pkg/sip/dialog"
	"github.com/emiago/sipgo/sip"
)

// Category вид IMS сессии
type Category int

const (
	CategoryGeneric Category = iota
	CategoryOneToOneChat
	CategoryGroupChat
	CategoryFileTransfer
	CategoryIPCall
	CategoryRichCall
	CategoryPresence
)

func (c Category) String() string {
	switch c {
	case CategoryGeneric:
		return "generic"
	case CategoryOneToOneChat:
		return "one_to_one_chat"
	case CategoryGroupChat:
		return "group_chat"
	case CategoryFileTransfer:
		return "file_transfer"
	case CategoryIPCall:
		return "ip_call"
	case CategoryRichCall:
		return "rich_call"
	case CategoryPresence:
		return "presence"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// TerminationReason причина принудительного завершения сессии
type TerminationReason int

const (
	ReasonTerminatedByUser TerminationReason = iota
	ReasonTerminatedBySystem
	ReasonTerminatedByRemote
	ReasonConnectionLost
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonTerminatedByUser:
		return "terminated_by_user"
	case ReasonTerminatedBySystem:
		return "terminated_by_system"
	case ReasonTerminatedByRemote:
		return "terminated_by_remote"
	case ReasonConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Session активная IMS сессия.
//
// Receive* вызываются диспетчером для запросов внутри диалога сессии
// и возвращают ответ для отправки; nil означает, что ответ не нужен (ACK)
// или уже отправлен сессией.
type Session interface {
	ID() string
	CallID() string
	Category() Category
	DialogPath() *dialog.Path

	ReceiveReInvite(req *sip.Request) *sip.Response
	ReceiveBye(req *sip.Request) *sip.Response
	ReceiveCancel(req *sip.Request) *sip.Response
	ReceiveAck(req *sip.Request)
	ReceiveMessage(req *sip.Request) *sip.Response
	ReceiveNotify(req *sip.Request) *sip.Response

	// Terminate завершает сессию; не должен блокироваться на сетевом обмене
	Terminate(reason TerminationReason)
}

// Cancellable сессия, исходящее приглашение которой можно отменить
type Cancellable interface {
	Cancel(ctx context.Context) error
}

// Resumable сессия, которую можно возобновить после обрыва
type Resumable interface {
	Resume(ctx context.Context) error
}

// Retryable сессия, которую можно повторить после неудачи
type Retryable interface {
	Retry(ctx context.Context) error
}

// Service IMS сервис, которому диспетчер предлагает входящие запросы
type Service interface {
	Name() string
	HandleRequest(req *sip.Request) bool
	AbortAll(reason TerminationReason)
}
