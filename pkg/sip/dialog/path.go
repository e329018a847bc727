package dialog

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Path представляет один SIP диалог (логическое плечо вызова или регистрации).
//
// Инварианты:
//   - CSeq строго возрастает для каждого исходящего запроса диалога
//   - после SessionTerminated состояние терминально, переходы возвращают ErrDialogTerminated
//
// Path создается на первый REGISTER/INVITE/MESSAGE транзакции и
// глубоко копируется через Copy для повторов.
type Path struct {
	mu sync.RWMutex

	callID    string
	seq       *SequenceManager
	localTag  string
	remoteTag string

	target      sip.Uri
	localParty  sip.Uri
	remoteParty sip.Uri
	route       *RouteSet

	sessionExpireTime int

	sigEstablished     bool
	sessionEstablished bool
	sessionCancelled   bool
	sessionTerminated  bool
	terminationCode    int
	terminationPhrase  string

	invite *sip.Request
}

// NewPath создает диалог с новым локальным тегом
func NewPath(callID string, cseq uint32, target, localParty, remoteParty sip.Uri, route []sip.Uri) *Path {
	return &Path{
		callID:      callID,
		seq:         NewSequenceManager(cseq),
		localTag:    NewTag(),
		target:      *target.Clone(),
		localParty:  *localParty.Clone(),
		remoteParty: *remoteParty.Clone(),
		route:       NewRouteSet(route...),
	}
}

// NewUASPath создает диалог по входящему запросу (RFC 3261 §12.1.1):
// remote target из Contact, route set из Record-Route в прямом порядке
func NewUASPath(req *sip.Request) (*Path, error) {
	from, to, callID, cseq := req.From(), req.To(), req.CallID(), req.CSeq()
	if from == nil || to == nil || callID == nil || cseq == nil {
		return nil, fmt.Errorf("%w: From, To, Call-ID and CSeq are required", ErrNoHeader)
	}

	target := from.Address
	if contact := req.Contact(); contact != nil {
		target = contact.Address
	}
	p := NewPath(callID.Value(), GenerateInitialCSeq(), target, to.Address, from.Address, nil)
	if tag, ok := from.Params.Get("tag"); ok {
		p.remoteTag = tag
	}

	var recordRoutes []string
	for _, h := range req.GetHeaders("Record-Route") {
		recordRoutes = append(recordRoutes, h.Value())
	}
	if len(recordRoutes) > 0 {
		if err := p.route.BuildFromRecordRoute(recordRoutes, false); err != nil {
			return nil, err
		}
	}
	p.seq.ValidateRemoteCSeq(cseq.SeqNo)
	if req.Method == sip.INVITE {
		p.invite = req
	}
	return p, nil
}

// CallID возвращает Call-ID диалога
func (p *Path) CallID() string {
	return p.callID
}

// CSeq возвращает текущий CSeq без инкремента
func (p *Path) CSeq() uint32 {
	return p.seq.LocalCSeq()
}

// IncrementCSeq увеличивает CSeq перед отправкой нового запроса
func (p *Path) IncrementCSeq() uint32 {
	return p.seq.NextLocalCSeq()
}

// Sequence возвращает менеджер CSeq (для проверки входящих запросов)
func (p *Path) Sequence() *SequenceManager {
	return p.seq
}

// LocalTag возвращает локальный тег
func (p *Path) LocalTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localTag
}

// SetLocalTag задает локальный тег (UAS сторона берет его из ответа)
func (p *Path) SetLocalTag(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localTag = tag
}

// RemoteTag возвращает удаленный тег
func (p *Path) RemoteTag() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteTag
}

// SetRemoteTag задает удаленный тег
func (p *Path) SetRemoteTag(tag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteTag = tag
}

// Target возвращает Request-URI диалога
func (p *Path) Target() sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.target.Clone()
}

// SetTarget меняет Request-URI (302, Contact из 2xx)
func (p *Path) SetTarget(target sip.Uri) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = *target.Clone()
}

// LocalParty возвращает адрес From
func (p *Path) LocalParty() sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.localParty.Clone()
}

// RemoteParty возвращает адрес To
func (p *Path) RemoteParty() sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.remoteParty.Clone()
}

// Route возвращает копию route set
func (p *Path) Route() *RouteSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.route.Clone()
}

// SetRoute заменяет route set
func (p *Path) SetRoute(routes []sip.Uri) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.route = NewRouteSet(routes...)
}

// SessionExpireTime возвращает Session-Expires (RFC 4028), секунды
func (p *Path) SessionExpireTime() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionExpireTime
}

// SetSessionExpireTime задает Session-Expires
func (p *Path) SetSessionExpireTime(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionExpireTime = seconds
}

// Invite возвращает последний отправленный/принятый INVITE
func (p *Path) Invite() *sip.Request {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.invite
}

// SetInvite сохраняет INVITE для CANCEL/ACK
func (p *Path) SetInvite(req *sip.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invite = req
}

// SigEstablished отмечает установку сигнального диалога (получен 1xx/2xx с тегом)
func (p *Path) SigEstablished() error {
	return p.transition(func() { p.sigEstablished = true })
}

// SessionEstablished отмечает установленную сессию (2xx + ACK)
func (p *Path) SessionEstablished() error {
	return p.transition(func() {
		p.sigEstablished = true
		p.sessionEstablished = true
	})
}

// SessionCancelled отмечает отмену сессии (CANCEL)
func (p *Path) SessionCancelled() error {
	return p.transition(func() { p.sessionCancelled = true })
}

// SessionTerminated переводит диалог в терминальное состояние
func (p *Path) SessionTerminated(code int, phrase string) error {
	return p.transition(func() {
		p.sessionTerminated = true
		p.terminationCode = code
		p.terminationPhrase = phrase
	})
}

func (p *Path) transition(apply func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionTerminated {
		return ErrDialogTerminated
	}
	apply()
	return nil
}

// IsSigEstablished сообщает, установлен ли сигнальный диалог
func (p *Path) IsSigEstablished() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sigEstablished
}

// IsSessionEstablished сообщает, установлена ли сессия
func (p *Path) IsSessionEstablished() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionEstablished
}

// IsSessionCancelled сообщает, отменена ли сессия
func (p *Path) IsSessionCancelled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionCancelled
}

// IsSessionTerminated сообщает, завершен ли диалог
func (p *Path) IsSessionTerminated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionTerminated
}

// TerminationReason возвращает код и фразу завершения
func (p *Path) TerminationReason() (int, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.terminationCode, p.terminationPhrase
}

// Copy возвращает глубокую копию диалога (для ответвления повторов)
func (p *Path) Copy() *Path {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cp := &Path{
		callID:             p.callID,
		seq:                p.seq.Clone(),
		localTag:           p.localTag,
		remoteTag:          p.remoteTag,
		target:             *p.target.Clone(),
		localParty:         *p.localParty.Clone(),
		remoteParty:        *p.remoteParty.Clone(),
		route:              p.route.Clone(),
		sessionExpireTime:  p.sessionExpireTime,
		sigEstablished:     p.sigEstablished,
		sessionEstablished: p.sessionEstablished,
		sessionCancelled:   p.sessionCancelled,
		sessionTerminated:  p.sessionTerminated,
		terminationCode:    p.terminationCode,
		terminationPhrase:  p.terminationPhrase,
	}
	if p.invite != nil {
		cp.invite = p.invite.Clone()
	}
	return cp
}
