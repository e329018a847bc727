package registration

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/ims_core/pkg/metrics"
	"github.com/arzzra/ims_core/pkg/settings"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

const (
	// DefaultExpires запрашиваемый период регистрации, секунды
	DefaultExpires = 3600
	// DefaultRetryBase базовая задержка повтора (RFC 5626 §4.5 base-time)
	DefaultRetryBase = 30 * time.Second
	// DefaultRetryMax максимальная задержка повтора
	DefaultRetryMax = 30 * time.Minute
	// DefaultTransactionTimeout ожидание финального ответа на REGISTER
	DefaultTransactionTimeout = 30 * time.Second
	// DefaultKeepAlivePeriod период CRLF keep-alive, если сервер не прислал keep
	DefaultKeepAlivePeriod = 30
)

// AuthMode режим аутентификации сетевого профиля
type AuthMode string

const (
	// AuthDigest HTTP Digest (RFC 3261 §22)
	AuthDigest AuthMode = "DIGEST"
	// AuthGIBA аутентификация по IP адресу (3GPP TS 33.978), Authorization не отправляется
	AuthGIBA AuthMode = "GIBA"
)

// Proxy адрес outbound proxy (P-CSCF) текущей сети
type Proxy struct {
	Host     string
	Port     int
	Protocol string // udp, tcp, tls
	AuthMode AuthMode
	// AccessNetworkInfo значение P-Access-Network-Info для этой сети
	AccessNetworkInfo string
}

// Address возвращает host:port
func (p Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Config параметры регистрации пользователя
type Config struct {
	// PublicURI IMPU для From/To
	PublicURI sip.Uri
	// HomeDomain домен в Request-URI REGISTER
	HomeDomain string
	// PrivateID IMPI, username для digest
	PrivateID string
	Password  string
	UserAgent string

	Expires            int
	RetryBase          time.Duration
	RetryMax           time.Duration
	TransactionTimeout time.Duration

	// GRUU включает +sip.instance и Supported: gruu
	GRUU bool
	// KeepAlive включает Via keep и CRLF keep-alive после регистрации
	KeepAlive       bool
	KeepAlivePeriod int
	// Features feature tags Contact (например +g.oma.sip-im)
	Features []string
}

// DefaultConfig возвращает конфигурацию со значениями по умолчанию
func DefaultConfig() Config {
	return Config{
		Expires:            DefaultExpires,
		RetryBase:          DefaultRetryBase,
		RetryMax:           DefaultRetryMax,
		TransactionTimeout: DefaultTransactionTimeout,
		GRUU:               true,
		KeepAlive:          true,
		KeepAlivePeriod:    DefaultKeepAlivePeriod,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Expires <= 0 {
		c.Expires = d.Expires
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = d.TransactionTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = d.KeepAlivePeriod
	}
}

func (c *Config) validate() error {
	if c.HomeDomain == "" {
		return fmt.Errorf("home domain is required")
	}
	if c.PublicURI.Host == "" {
		return fmt.Errorf("public uri is required")
	}
	if c.RetryBase > c.RetryMax {
		return fmt.Errorf("retry base %s exceeds retry max %s", c.RetryBase, c.RetryMax)
	}
	return nil
}

// Option настраивает Manager
type Option func(m *Manager) error

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) error {
		m.log = l.With().Str("component", "registration").Logger()
		return nil
	}
}

// WithListener задает слушателя событий регистрации
func WithListener(l Listener) Option {
	return func(m *Manager) error {
		if l == nil {
			return fmt.Errorf("listener is nil")
		}
		m.listener = l
		return nil
	}
}

// WithClock подменяет таймеры (для тестов)
func WithClock(c Clock) Option {
	return func(m *Manager) error {
		if c == nil {
			return fmt.Errorf("clock is nil")
		}
		m.clock = c
		return nil
	}
}

// WithRandom подменяет источник U(0,1) для jitter
func WithRandom(f func() float64) Option {
	return func(m *Manager) error {
		if f == nil {
			return fmt.Errorf("random source is nil")
		}
		m.random = f
		return nil
	}
}

// WithSettings задает хранилище instance ID и GRUU
func WithSettings(s settings.Store) Option {
	return func(m *Manager) error {
		if s == nil {
			return fmt.Errorf("settings store is nil")
		}
		m.store = s
		return nil
	}
}

// WithMetrics задает метрики
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) error {
		m.metrics = mt
		return nil
	}
}

func defaultRandom() float64 {
	return rand.Float64()
}

func isUDP(protocol string) bool {
	return protocol == "" || strings.EqualFold(protocol, "udp")
}
