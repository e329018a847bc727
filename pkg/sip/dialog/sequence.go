package dialog

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// SequenceManager управляет CSeq номерами для диалога
//
// RFC 3261 Section 8.1.1.5:
//   - CSeq должен увеличиваться для каждого нового запроса в диалоге,
//     в том числе при повторах после 401/407/423/302
//   - CANCEL и ACK для non-2xx используют номер исходного INVITE
type SequenceManager struct {
	mu         sync.Mutex
	localCSeq  uint32 // Текущий локальный CSeq
	remoteCSeq uint32 // Последний принятый удаленный CSeq
}

// NewSequenceManager создает новый менеджер CSeq
func NewSequenceManager(initialLocal uint32) *SequenceManager {
	return &SequenceManager{localCSeq: initialLocal}
}

// NextLocalCSeq увеличивает и возвращает локальный CSeq
func (sm *SequenceManager) NextLocalCSeq() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.localCSeq++
	return sm.localCSeq
}

// LocalCSeq возвращает текущий локальный CSeq без инкремента
func (sm *SequenceManager) LocalCSeq() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.localCSeq
}

// ValidateRemoteCSeq проверяет входящий CSeq от удаленной стороны
//
// RFC 3261 Section 12.2.2: новый запрос должен иметь больший CSeq,
// ретрансмиссии и ACK допускают тот же номер.
func (sm *SequenceManager) ValidateRemoteCSeq(cseq uint32) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.remoteCSeq == 0 || cseq > sm.remoteCSeq {
		sm.remoteCSeq = cseq
		return true
	}
	// ретрансмиссия, ACK или CANCEL к текущей транзакции
	return cseq == sm.remoteCSeq
}

// RemoteCSeq возвращает последний принятый удаленный CSeq
func (sm *SequenceManager) RemoteCSeq() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.remoteCSeq
}

// Clone возвращает независимую копию
func (sm *SequenceManager) Clone() *SequenceManager {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return &SequenceManager{localCSeq: sm.localCSeq, remoteCSeq: sm.remoteCSeq}
}

// GenerateInitialCSeq генерирует случайный начальный CSeq (< 2^31)
func GenerateInitialCSeq() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return binary.BigEndian.Uint32(b[:])&0x7fffffff + 1
}
