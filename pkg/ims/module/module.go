// Package module собирает IMS стек из конфигурации: транспорт, регистрацию,
// сетевой интерфейс, сервисы и диспетчер входящих запросов.
//
// Все зависимости передаются явно через Context, глобального состояния нет.
package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/ims_core/pkg/config"
	"github.com/arzzra/ims_core/pkg/ims/dispatcher"
	"github.com/arzzra/ims_core/pkg/ims/network"
	"github.com/arzzra/ims_core/pkg/ims/registration"
	"github.com/arzzra/ims_core/pkg/ims/service"
	"github.com/arzzra/ims_core/pkg/ims/services"
	"github.com/arzzra/ims_core/pkg/metrics"
	"github.com/arzzra/ims_core/pkg/settings"
	"github.com/arzzra/ims_core/pkg/sip/auth"
	"github.com/arzzra/ims_core/pkg/sip/resolver"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultStopTimeout время на снятие регистрации при остановке
const DefaultStopTimeout = 10 * time.Second

var (
	// ErrNotStarted модуль не запущен
	ErrNotStarted = errors.New("ims module not started")
	// ErrStopped модуль остановлен
	ErrStopped = errors.New("ims module stopped")
)

// Context зависимости стека. Создается в New и передается компонентам явно.
type Context struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Settings     settings.Store
	Resolver     resolver.Resolver
	Transport    transport.Transport
	Registration *registration.Manager
	Network      *network.Interface
	Auth         *auth.SessionAgent
	Remover      *service.Remover
	Services     *services.Set
	Dispatcher   *dispatcher.Dispatcher
}

// Status снимок состояния модуля для /health
type Status struct {
	Network      string `json:"network"`
	Connected    bool   `json:"connected"`
	Registration string `json:"registration"`
	Registered   bool   `json:"registered"`
	QueueLength  int    `json:"queue_length"`
}

// Module IMS модуль: запуск, остановка и смена сети
type Module struct {
	ctx      *Context
	log      zerolog.Logger
	network  network.Type
	listener registration.Listener
	// ownsStore хранилище открыто модулем и закрывается в Stop
	ownsStore bool

	mu      sync.Mutex
	started bool
	stopped bool
}

// New создает модуль по конфигурации. Сетевые операции не выполняются до Start.
func New(cfg *config.Config, opts ...Option) (*Module, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{logger: log.Logger}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("ошибка применения опции: %w", err)
		}
	}

	defaultNetwork, err := network.ParseType(cfg.DefaultNetwork)
	if err != nil {
		return nil, err
	}

	m := &Module{
		log:      o.logger.With().Str("component", "ims").Logger(),
		network:  defaultNetwork,
		listener: o.listener,
	}
	c := &Context{
		Config:  cfg,
		Logger:  o.logger,
		Metrics: o.metrics,
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(metrics.DefaultNamespace)
	}

	c.Settings = o.store
	if c.Settings == nil {
		store, err := settings.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open settings store: %w", err)
		}
		c.Settings = store
		m.ownsStore = true
	}
	// дальнейшие ошибки должны закрыть открытое хранилище
	fail := func(err error) (*Module, error) {
		if m.ownsStore {
			_ = c.Settings.Close()
		}
		return nil, err
	}

	c.Resolver = o.resolver
	if c.Resolver == nil {
		ropts := []resolver.Option{
			resolver.WithLogger(o.logger),
			resolver.WithNegativeTTL(cfg.Resolver.NegativeTTL),
		}
		if cfg.Resolver.Server != "" {
			ropts = append(ropts, resolver.WithServer(cfg.Resolver.Server))
		}
		res, err := resolver.NewDNSResolver(ropts...)
		if err != nil {
			return fail(fmt.Errorf("create resolver: %w", err))
		}
		c.Resolver = res
	}

	c.Transport = o.transport
	if c.Transport == nil {
		tr, err := transport.NewSipgoTransport(
			transport.WithLogger(o.logger),
			transport.WithUserAgent(cfg.User.UserAgent),
			transport.WithDSCP(cfg.Transport.DSCP),
			transport.WithResponseWait(cfg.Transport.ResponseWait),
		)
		if err != nil {
			return fail(fmt.Errorf("create transport: %w", err))
		}
		c.Transport = tr
	}

	regCfg, err := registrationConfig(cfg)
	if err != nil {
		return fail(err)
	}
	regOpts := append([]registration.Option{
		registration.WithLogger(o.logger),
		registration.WithSettings(c.Settings),
		registration.WithMetrics(c.Metrics),
		registration.WithListener(m),
	}, o.registration...)
	c.Registration, err = registration.New(regCfg, c.Transport, regOpts...)
	if err != nil {
		return fail(err)
	}

	netOpts := []network.Option{
		network.WithLogger(o.logger),
		network.WithLocalPort(cfg.Transport.LocalPort),
	}
	if o.detectIP != nil {
		netOpts = append(netOpts, network.WithIPDetector(o.detectIP))
	}
	c.Network, err = network.New(profiles(cfg), c.Transport, c.Registration, c.Resolver, netOpts...)
	if err != nil {
		return fail(err)
	}

	c.Auth = auth.NewSessionAgent(regCfg.PrivateID, regCfg.Password, c.Registration.DigestAgent())
	c.Remover = service.NewRemover(service.DefaultRemovalGrace, o.logger)

	logger := o.logger
	c.Services = services.New(servicesConfig(cfg, o.onPresence), service.Deps{
		Transport: c.Transport,
		Network:   c.Network,
		Identity:  c.Registration,
		Auth:      c.Auth,
		Remover:   c.Remover,
		Metrics:   c.Metrics,
		Logger:    &logger,
	})

	c.Dispatcher = dispatcher.New(dispatcher.WithLogger(o.logger), dispatcher.WithMetrics(c.Metrics))
	for _, svc := range c.Services.All() {
		c.Dispatcher.Register(svc)
	}

	m.ctx = c
	return m, nil
}

// Context возвращает зависимости модуля
func (m *Module) Context() *Context {
	return m.ctx
}

// Services возвращает IMS сервисы
func (m *Module) Services() *services.Set {
	return m.ctx.Services
}

// Start запускает диспетчер, подключает входящие запросы транспорта
// и подключается к сети по умолчанию. Регистрация выполняется асинхронно.
func (m *Module) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	c := m.ctx
	if err := c.Dispatcher.Start(); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	c.Transport.OnRequest(c.Dispatcher.PostRequest)

	m.log.Info().Str("network", m.network.String()).Msg("starting ims module")
	if err := <-c.Network.Connect(ctx, m.network); err != nil {
		return fmt.Errorf("connect %s: %w", m.network, err)
	}
	return nil
}

// Stop завершает сессии, снимает регистрацию и освобождает ресурсы.
// Повторный вызов ничего не делает.
func (m *Module) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	c := m.ctx
	m.log.Info().Msg("stopping ims module")
	c.Services.AbortAll(service.ReasonTerminatedBySystem)

	var errs []error
	if active, connected := c.Network.ActiveType(); connected {
		if err := <-c.Network.Disconnect(ctx, active); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", active, err))
		}
	}
	c.Network.Close()
	c.Registration.Close()
	c.Dispatcher.Close()
	c.Remover.Close()
	if m.ownsStore {
		if err := c.Settings.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close settings: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run запускает модуль и останавливает его после отмены ctx.
// На остановку отводится DefaultStopTimeout.
func (m *Module) Run(ctx context.Context) error {
	stop := func() error {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultStopTimeout)
		defer cancel()
		return m.Stop(stopCtx)
	}
	if err := m.Start(ctx); err != nil {
		return errors.Join(err, stop())
	}
	<-ctx.Done()
	return stop()
}

// OnNetworkChange переключает модуль на сеть t: отключает текущую сеть
// (сессии завершаются как потерявшие соединение) и подключает новую.
// Переключение на уже активную сеть ничего не делает.
func (m *Module) OnNetworkChange(ctx context.Context, t network.Type) error {
	m.mu.Lock()
	started, stopped := m.started, m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		return ErrNotStarted
	}

	c := m.ctx
	active, connected := c.Network.ActiveType()
	if connected && active == t {
		return nil
	}
	m.log.Info().Str("from", active.String()).Str("to", t.String()).Bool("connected", connected).Msg("network changed")

	if connected {
		c.Services.AbortAll(service.ReasonConnectionLost)
		if err := <-c.Network.Disconnect(ctx, active); err != nil {
			m.log.Warn().Err(err).Str("network", active.String()).Msg("disconnect failed")
		}
	}
	if err := <-c.Network.Connect(ctx, t); err != nil {
		return fmt.Errorf("connect %s: %w", t, err)
	}
	return nil
}

// Status возвращает состояние сети и регистрации
func (m *Module) Status() Status {
	c := m.ctx
	active, connected := c.Network.ActiveType()
	return Status{
		Network:      active.String(),
		Connected:    connected,
		Registration: c.Registration.State(),
		Registered:   c.Registration.IsRegistered(),
		QueueLength:  c.Dispatcher.QueueLen(),
	}
}

// OnRegistrationSuccess реализует registration.Listener
func (m *Module) OnRegistrationSuccess() {
	m.log.Info().Str("gruu", m.ctx.Registration.PublicGRUU()).Msg("ims registered")
	if m.listener != nil {
		m.listener.OnRegistrationSuccess()
	}
}

// OnRegistrationFailed реализует registration.Listener
func (m *Module) OnRegistrationFailed(err *registration.Error) {
	m.log.Warn().Err(err).Bool("fatal", err.Fatal).Msg("ims registration failed")
	if m.listener != nil {
		m.listener.OnRegistrationFailed(err)
	}
}

// OnRegistrationTerminated реализует registration.Listener.
// Сессии без регистрации недостижимы и завершаются.
func (m *Module) OnRegistrationTerminated() {
	m.log.Info().Msg("ims registration terminated")
	m.ctx.Services.AbortAll(service.ReasonConnectionLost)
	if m.listener != nil {
		m.listener.OnRegistrationTerminated()
	}
}

func registrationConfig(cfg *config.Config) (registration.Config, error) {
	var uri sip.Uri
	if err := sip.ParseUri(cfg.User.PublicURI, &uri); err != nil {
		return registration.Config{}, fmt.Errorf("invalid user.public_uri %q: %w", cfg.User.PublicURI, err)
	}
	privateID := cfg.User.PrivateID
	if privateID == "" {
		privateID = uri.User + "@" + uri.Host
	}
	r := cfg.Registration
	return registration.Config{
		PublicURI:          uri,
		HomeDomain:         cfg.User.HomeDomain,
		PrivateID:          privateID,
		Password:           cfg.User.Password,
		UserAgent:          cfg.User.UserAgent,
		Expires:            r.Expires,
		RetryBase:          r.RetryBase,
		RetryMax:           r.RetryMax,
		TransactionTimeout: r.TransactionTimeout,
		GRUU:               r.GRUU,
		KeepAlive:          r.KeepAlive,
		KeepAlivePeriod:    r.KeepAlivePeriod,
		Features:           append([]string(nil), cfg.Services.Features...),
	}, nil
}

func profiles(cfg *config.Config) []network.Profile {
	var out []network.Profile
	add := func(t network.Type, n *config.NetworkConfig) {
		if n == nil {
			return
		}
		mode := registration.AuthDigest
		if strings.EqualFold(n.AuthMode, string(registration.AuthGIBA)) {
			mode = registration.AuthGIBA
		}
		out = append(out, network.Profile{
			Type:              t,
			ProxyAddr:         n.ProxyAddr,
			ProxyPort:         n.ProxyPort,
			Protocol:          strings.ToLower(n.Protocol),
			AuthMode:          mode,
			AccessNetworkInfo: n.AccessNetworkInfo,
		})
	}
	add(network.Mobile, cfg.Networks.Mobile)
	add(network.WiFi, cfg.Networks.WiFi)
	return out
}

func servicesConfig(cfg *config.Config, onPresence services.PresenceHandler) services.Config {
	s := cfg.Services
	conv := func(c config.ServiceConfig) service.Config {
		return service.Config{Enabled: c.Enabled, MaxSessions: c.MaxSessions}
	}
	return services.Config{
		Capability:       conv(s.Capability),
		InstantMessaging: conv(s.InstantMessaging),
		FileTransfer:     conv(s.FileTransfer),
		Presence:         conv(s.Presence),
		IPCall:           conv(s.IPCall),
		RichCall:         conv(s.RichCall),
		SipAPI:           conv(s.SipAPI),
		Features:         append([]string(nil), s.Features...),
		OnPresence:       onPresence,
	}
}
