// Package metrics собирает Prometheus метрики IMS стека в отдельном реестре.
//
// Все методы безопасны для nil *Metrics: компоненты, созданные без метрик
// (тесты, встраивание), просто ничего не публикуют.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace префикс метрик
const DefaultNamespace = "ims"

// Значения gauge состояния регистрации
var registrationStates = map[string]float64{
	"unregistered":  0,
	"registering":   1,
	"registered":    2,
	"refreshing":    3,
	"unregistering": 4,
}

// Metrics метрики регистрации, диспетчера и сессий
type Metrics struct {
	Registry *prometheus.Registry

	registrationAttempts *prometheus.CounterVec
	registrationState    prometheus.Gauge
	retryDelay           prometheus.Histogram
	dispatcherRequests   *prometheus.CounterVec
	dispatcherQueue      prometheus.Gauge
	sessionsActive       *prometheus.GaugeVec
	sessionsRejected     *prometheus.CounterVec
}

// New создает реестр с метриками стека и стандартными Go/process коллекторами
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		PidFn:     func() (int, error) { return os.Getpid(), nil },
		Namespace: namespace,
	}))

	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		registrationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "attempts_total",
			Help:      "REGISTER transactions by final result",
		}, []string{"result"}),
		registrationState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "state",
			Help:      "Registration state: 0 unregistered, 1 registering, 2 registered, 3 refreshing",
		}),
		retryDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay scheduled after a failed registration",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		dispatcherRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Inbound requests by claiming service and outcome",
		}, []string{"service", "outcome"}),
		dispatcherQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "queue_length",
			Help:      "Inbound requests waiting for dispatch",
		}),
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Active sessions per service",
		}, []string{"service"}),
		sessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Inbound session requests rejected per service and reason",
		}, []string{"service", "reason"}),
	}
}

// Handler возвращает HTTP обработчик /metrics для собственного реестра
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RegistrationAttempt учитывает завершенную REGISTER транзакцию
func (m *Metrics) RegistrationAttempt(result string) {
	if m == nil {
		return
	}
	m.registrationAttempts.WithLabelValues(result).Inc()
}

// RegistrationState публикует текущее состояние FSM регистрации
func (m *Metrics) RegistrationState(state string) {
	if m == nil {
		return
	}
	if v, ok := registrationStates[state]; ok {
		m.registrationState.Set(v)
	}
}

// RetryDelay учитывает запланированную задержку повтора
func (m *Metrics) RetryDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(d.Seconds())
}

// DispatchResult учитывает обработку входящего запроса
func (m *Metrics) DispatchResult(service, outcome string) {
	if m == nil {
		return
	}
	m.dispatcherRequests.WithLabelValues(service, outcome).Inc()
}

// QueueLength публикует длину очереди диспетчера
func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.dispatcherQueue.Set(float64(n))
}

// ActiveSessions публикует число активных сессий сервиса
func (m *Metrics) ActiveSessions(service string, n int) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(service).Set(float64(n))
}

// SessionRejected учитывает отклоненную сессию
func (m *Metrics) SessionRejected(service, reason string) {
	if m == nil {
		return
	}
	m.sessionsRejected.WithLabelValues(service, reason).Inc()
}
