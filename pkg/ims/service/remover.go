package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRemovalGrace задержка удаления сессии из реестра
const DefaultRemovalGrace = 500 * time.Millisecond

type removal struct {
	at time.Time
	fn func()
}

// Remover выполняет отложенные удаления одной горутиной в порядке постановки.
// Поиск, начатый до удаления, еще видит старую запись в течение grace периода.
type Remover struct {
	grace time.Duration
	log   zerolog.Logger

	mu     sync.RWMutex
	tasks  chan removal
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewRemover запускает горутину удаления
func NewRemover(grace time.Duration, log zerolog.Logger) *Remover {
	if grace < 0 {
		grace = 0
	}
	r := &Remover{
		grace: grace,
		log:   log.With().Str("component", "session-remover").Logger(),
		tasks: make(chan removal, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// Schedule ставит удаление в очередь; после Close выполняется сразу
func (r *Remover) Schedule(fn func()) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		fn()
		return
	}
	r.tasks <- removal{at: time.Now().Add(r.grace), fn: fn}
	r.mu.RUnlock()
}

// Wait блокируется, пока не выполнены все удаления, поставленные до вызова
func (r *Remover) Wait() {
	done := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	r.tasks <- removal{fn: func() { close(done) }}
	r.mu.RUnlock()
	<-done
}

// Close выполняет оставшиеся удаления без задержки и останавливает горутину
func (r *Remover) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.stop)
	close(r.tasks)
	r.mu.Unlock()
	<-r.done
}

func (r *Remover) loop() {
	defer close(r.done)
	for task := range r.tasks {
		if wait := time.Until(task.at); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-r.stop:
				timer.Stop()
			}
		}
		r.run(task.fn)
	}
}

func (r *Remover) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("session removal panicked")
		}
	}()
	fn()
}
