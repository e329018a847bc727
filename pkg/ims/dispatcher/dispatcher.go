// Package dispatcher последовательно раздает входящие SIP запросы сервисам.
//
// Запросы ставятся в неограниченную FIFO очередь и обрабатываются одной
// рабочей горутиной. Каждый запрос предлагается сервисам в порядке
// регистрации до первого, который его принял. Непринятый запрос
// логируется и отбрасывается без ответа. Паника сервиса завершает обработку
// запроса: остальным сервисам он не предлагается, цикл продолжает работу.
package dispatcher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/ims_core/pkg/metrics"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Исходы обработки для метрик
const (
	OutcomeClaimed   = "claimed"
	OutcomeUnclaimed = "unclaimed"
	OutcomePanic     = "panic"
	OutcomeDropped   = "dropped"
)

// unclaimedService метка метрик для запросов, которые никто не принял
const unclaimedService = "none"

var (
	// ErrClosed диспетчер закрыт
	ErrClosed = errors.New("dispatcher closed")
	// ErrStarted диспетчер уже запущен
	ErrStarted = errors.New("dispatcher already started")
)

// Service сервис, которому предлагаются запросы
type Service interface {
	Name() string
	// HandleRequest возвращает true, если сервис принял запрос
	HandleRequest(req *sip.Request) bool
}

// Option настраивает Dispatcher
type Option func(d *Dispatcher)

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l.With().Str("component", "dispatcher").Logger()
	}
}

// WithMetrics задает метрики
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher очередь входящих запросов с одним обработчиком
type Dispatcher struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*sip.Request
	services []Service
	closed   bool
	started  bool
	done     chan struct{}
}

// New создает диспетчер. Обработка начинается после Start.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:  log.Logger.With().Str("component", "dispatcher").Logger(),
		done: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register добавляет сервисы в конец списка опроса
func (d *Dispatcher) Register(services ...Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append(d.services, services...)
}

// Services возвращает сервисы в порядке опроса
func (d *Dispatcher) Services() []Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Service(nil), d.services...)
}

// Start запускает рабочую горутину
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return ErrStarted
	}
	d.started = true
	go d.loop()
	d.log.Debug().Int("services", len(d.services)).Msg("dispatcher started")
	return nil
}

// PostRequest ставит запрос в очередь. После Close запрос отбрасывается.
func (d *Dispatcher) PostRequest(req *sip.Request) {
	if req == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.DispatchResult(unclaimedService, OutcomeDropped)
		d.log.Debug().Str("method", req.Method.String()).Msg("request posted after close, dropped")
		return
	}
	d.queue = append(d.queue, req)
	n := len(d.queue)
	d.mu.Unlock()

	d.metrics.QueueLength(n)
	d.cond.Signal()
}

// QueueLen число запросов в очереди
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close останавливает прием запросов. Рабочая горутина завершается
// после текущего запроса, оставшиеся в очереди запросы отбрасываются.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	dropped := len(d.queue)
	d.queue = nil
	started := d.started
	d.mu.Unlock()

	d.cond.Broadcast()
	if !started {
		close(d.done)
	}
	d.metrics.QueueLength(0)
	if dropped > 0 {
		d.log.Warn().Int("dropped", dropped).Msg("dispatcher closed with pending requests")
	}
}

// Done закрывается после выхода рабочей горутины
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// next блокируется до появления запроса. После Close возвращает nil, false.
func (d *Dispatcher) next() (*sip.Request, []Service, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		d.cond.Wait()
	}
	if d.closed {
		return nil, nil, false
	}
	req := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.metrics.QueueLength(len(d.queue))
	return req, d.services, true
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		req, services, ok := d.next()
		if !ok {
			d.log.Debug().Msg("dispatcher stopped")
			return
		}
		d.dispatch(req, services)
	}
}

// dispatch предлагает запрос сервисам до первого принявшего.
// Паника сервиса завершает обработку запроса: он мог быть частично обработан.
func (d *Dispatcher) dispatch(req *sip.Request, services []Service) {
	for _, svc := range services {
		claimed, err := d.offer(svc, req)
		if err != nil {
			d.metrics.DispatchResult(svc.Name(), OutcomePanic)
			d.log.Error().Err(err).
				Str("service", svc.Name()).
				Str("method", req.Method.String()).
				Str("call_id", callID(req)).
				Msg("service failed on request")
			return
		}
		if claimed {
			d.metrics.DispatchResult(svc.Name(), OutcomeClaimed)
			return
		}
	}
	d.metrics.DispatchResult(unclaimedService, OutcomeUnclaimed)
	d.log.Debug().
		Str("method", req.Method.String()).
		Str("call_id", callID(req)).
		Msg("request not claimed by any service, dropped")
}

// offer вызывает сервис, превращая панику в ошибку
func (d *Dispatcher) offer(svc Service, req *sip.Request) (claimed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return svc.HandleRequest(req), nil
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
