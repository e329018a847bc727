package module

import (
	"fmt"

	"github.com/arzzra/ims_core/pkg/ims/registration"
	"github.com/arzzra/ims_core/pkg/ims/services"
	"github.com/arzzra/ims_core/pkg/metrics"
	"github.com/arzzra/ims_core/pkg/settings"
	"github.com/arzzra/ims_core/pkg/sip/resolver"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/rs/zerolog"
)

type options struct {
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	store        settings.Store
	resolver     resolver.Resolver
	transport    transport.Transport
	detectIP     func(proxyAddr string) (string, error)
	listener     registration.Listener
	onPresence   services.PresenceHandler
	registration []registration.Option
}

// Option настраивает Module
type Option func(o *options) error

// WithLogger задает корневой логгер
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithMetrics задает метрики вместо собственного реестра
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) error {
		o.metrics = m
		return nil
	}
}

// WithSettings задает хранилище настроек. Такое хранилище модуль не закрывает.
func WithSettings(s settings.Store) Option {
	return func(o *options) error {
		if s == nil {
			return fmt.Errorf("settings store is nil")
		}
		o.store = s
		return nil
	}
}

// WithResolver подменяет DNS резолвер proxy
func WithResolver(r resolver.Resolver) Option {
	return func(o *options) error {
		if r == nil {
			return fmt.Errorf("resolver is nil")
		}
		o.resolver = r
		return nil
	}
}

// WithTransport подменяет SIP транспорт
func WithTransport(t transport.Transport) Option {
	return func(o *options) error {
		if t == nil {
			return fmt.Errorf("transport is nil")
		}
		o.transport = t
		return nil
	}
}

// WithIPDetector подменяет определение локального IP
func WithIPDetector(detectIP func(proxyAddr string) (string, error)) Option {
	return func(o *options) error {
		o.detectIP = detectIP
		return nil
	}
}

// WithRegistrationListener задает слушателя событий регистрации приложения
func WithRegistrationListener(l registration.Listener) Option {
	return func(o *options) error {
		o.listener = l
		return nil
	}
}

// WithPresenceHandler задает обработчик событий присутствия
func WithPresenceHandler(h services.PresenceHandler) Option {
	return func(o *options) error {
		o.onPresence = h
		return nil
	}
}

// WithRegistrationOptions передает дополнительные опции менеджеру регистрации
func WithRegistrationOptions(opts ...registration.Option) Option {
	return func(o *options) error {
		o.registration = append(o.registration, opts...)
		return nil
	}
}
