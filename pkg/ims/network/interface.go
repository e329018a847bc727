// Package network привязывает регистрацию к конкретному подключению (mobile или WiFi).
//
// Connect и Disconnect выполняются одной рабочей горутиной в порядке вызова.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/arzzra/ims_core/pkg/ims/registration"
	"github.com/arzzra/ims_core/pkg/sip/resolver"
	"github.com/arzzra/ims_core/pkg/sip/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultQueueSize емкость очереди задач интерфейса
const DefaultQueueSize = 16

var (
	// ErrUnknownNetwork для типа сети нет профиля
	ErrUnknownNetwork = errors.New("unknown network type")
	// ErrClosed интерфейс закрыт
	ErrClosed = errors.New("network interface closed")
)

// RegistrationManager операции менеджера регистрации, нужные интерфейсу
type RegistrationManager interface {
	SetProxy(p registration.Proxy)
	Register(ctx context.Context) error
	Restart(ctx context.Context)
	Unregister(ctx context.Context) error
	Stop()
	IsRegistered() bool
	NatAddress() string
	NatPort() int
}

// Option настраивает Interface
type Option func(n *Interface) error

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(n *Interface) error {
		n.log = l.With().Str("component", "network").Logger()
		return nil
	}
}

// WithIPDetector подменяет определение локального IP (для тестов)
func WithIPDetector(detectIP func(proxyAddr string) (string, error)) Option {
	return func(n *Interface) error {
		if detectIP == nil {
			return fmt.Errorf("ip detector is nil")
		}
		n.detectIP = detectIP
		return nil
	}
}

// WithLocalPort задает локальный SIP порт, 0 - выбирается системой
func WithLocalPort(port int) Option {
	return func(n *Interface) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid local port %d", port)
		}
		n.localPort = port
		return nil
	}
}

// WithQueueSize задает емкость очереди задач
func WithQueueSize(size int) Option {
	return func(n *Interface) error {
		if size <= 0 {
			return fmt.Errorf("invalid queue size %d", size)
		}
		n.queueSize = size
		return nil
	}
}

type task struct {
	ctx    context.Context
	name   string
	run    func(ctx context.Context) error
	result chan error
}

// Interface сетевой интерфейс IMS: профили сетей, транспорт и регистрация
type Interface struct {
	profiles  map[Type]Profile
	tr        transport.Transport
	reg       RegistrationManager
	resolver  resolver.Resolver
	detectIP  func(proxyAddr string) (string, error)
	localPort int
	queueSize int
	log       zerolog.Logger

	queueMu sync.RWMutex
	tasks   chan task
	closed  bool
	done    chan struct{}

	mu        sync.Mutex
	active    Type
	connected bool
	localIP   string
	network   string
	proxy     registration.Proxy
}

// New создает интерфейс и запускает рабочую горутину
func New(profiles []Profile, tr transport.Transport, reg RegistrationManager, res resolver.Resolver, opts ...Option) (*Interface, error) {
	if tr == nil || reg == nil || res == nil {
		return nil, fmt.Errorf("transport, registration manager and resolver are required")
	}
	n := &Interface{
		profiles:  make(map[Type]Profile, len(profiles)),
		tr:        tr,
		reg:       reg,
		resolver:  res,
		detectIP:  transport.DetectLocalIP,
		queueSize: DefaultQueueSize,
		log:       log.Logger.With().Str("component", "network").Logger(),
		done:      make(chan struct{}),
	}
	for _, p := range profiles {
		if p.ProxyAddr == "" {
			return nil, fmt.Errorf("profile %s: proxy address is required", p.Type)
		}
		n.profiles[p.Type] = p
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, fmt.Errorf("ошибка применения опции: %w", err)
		}
	}
	n.tasks = make(chan task, n.queueSize)
	go n.loop()
	return n, nil
}

func (n *Interface) loop() {
	defer close(n.done)
	for t := range n.tasks {
		err := t.run(t.ctx)
		if err != nil {
			n.log.Warn().Err(err).Str("task", t.name).Msg("network task failed")
		}
		t.result <- err
	}
}

func (n *Interface) enqueue(ctx context.Context, name string, run func(ctx context.Context) error) <-chan error {
	result := make(chan error, 1)

	n.queueMu.RLock()
	defer n.queueMu.RUnlock()
	if n.closed {
		result <- ErrClosed
		return result
	}
	n.tasks <- task{ctx: ctx, name: name, run: run, result: result}
	return result
}

// Connect ставит в очередь подключение к сети t.
// Канал получает результат после разрешения proxy и инициализации транспорта;
// регистрация запускается асинхронно.
func (n *Interface) Connect(ctx context.Context, t Type) <-chan error {
	return n.enqueue(ctx, "connect "+t.String(), func(ctx context.Context) error {
		return n.connect(ctx, t)
	})
}

// Disconnect ставит в очередь отключение от сети t.
// Если t не совпадает с активной сетью, ничего не делает.
func (n *Interface) Disconnect(ctx context.Context, t Type) <-chan error {
	return n.enqueue(ctx, "disconnect "+t.String(), func(ctx context.Context) error {
		return n.disconnect(ctx, t)
	})
}

func (n *Interface) connect(ctx context.Context, t Type) error {
	profile, ok := n.profiles[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, t)
	}
	protocol := profile.protocol()

	domain := profile.ProxyAddr
	if profile.ProxyPort != 0 {
		domain = net.JoinHostPort(profile.ProxyAddr, strconv.Itoa(profile.ProxyPort))
	}
	ip, port, err := n.resolver.Resolve(ctx, domain, protocol)
	if err != nil {
		return fmt.Errorf("resolve proxy %s: %w", domain, err)
	}

	proxyAddr := net.JoinHostPort(ip, strconv.Itoa(port))
	localIP, err := n.detectIP(proxyAddr)
	if err != nil {
		return fmt.Errorf("detect local ip: %w", err)
	}

	n.mu.Lock()
	changed := localIP != n.localIP || protocol != n.network || !n.tr.IsReady()
	n.mu.Unlock()

	if changed {
		if err := n.tr.Init(transport.LocalAddr{IP: localIP, Port: n.localPort, Network: protocol}); err != nil {
			return fmt.Errorf("init transport on %s: %w", localIP, err)
		}
	}

	proxy := registration.Proxy{
		Host:              ip,
		Port:              port,
		Protocol:          protocol,
		AuthMode:          profile.AuthMode,
		AccessNetworkInfo: profile.AccessNetworkInfo,
	}
	n.reg.SetProxy(proxy)

	n.mu.Lock()
	n.active = t
	n.connected = true
	n.localIP = localIP
	n.network = protocol
	n.proxy = proxy
	n.mu.Unlock()

	n.log.Info().
		Str("network", t.String()).
		Str("proxy", proxyAddr).
		Str("local_ip", localIP).
		Bool("reinit", changed).
		Msg("connected")

	if changed {
		n.reg.Restart(ctx)
		return nil
	}
	regCtx := context.WithoutCancel(ctx)
	go func() {
		if err := n.reg.Register(regCtx); err != nil {
			n.log.Debug().Err(err).Msg("post-connect registration failed")
		}
	}()
	return nil
}

func (n *Interface) disconnect(ctx context.Context, t Type) error {
	n.mu.Lock()
	if !n.connected || n.active != t {
		active, connected := n.active, n.connected
		n.mu.Unlock()
		n.log.Debug().
			Str("network", t.String()).
			Str("active", active.String()).
			Bool("connected", connected).
			Msg("ignoring disconnect of inactive network")
		return nil
	}
	n.mu.Unlock()

	if err := n.reg.Unregister(ctx); err != nil {
		n.log.Warn().Err(err).Msg("unregister on disconnect failed")
	}
	n.reg.Stop()
	n.tr.StopKeepAlive()
	err := n.tr.Close()

	n.mu.Lock()
	n.connected = false
	n.localIP = ""
	n.network = ""
	n.mu.Unlock()

	n.log.Info().Str("network", t.String()).Msg("disconnected")
	return err
}

// IsRegisteredAt проверяет, адресован ли запрос этому устройству:
// транспорт готов и host:port совпадает с локальным адресом
// или с публичным адресом NAT из последней регистрации
func (n *Interface) IsRegisteredAt(host string, port int) bool {
	if !n.tr.IsReady() {
		return false
	}
	if port == 0 {
		port = 5060
	}
	local := n.tr.LocalAddr()
	if sameHost(host, local.IP) && port == local.Port {
		return true
	}
	if nat := n.reg.NatAddress(); nat != "" && sameHost(host, nat) && port == n.reg.NatPort() {
		return true
	}
	return false
}

func sameHost(a, b string) bool {
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA != nil && ipB != nil {
		return ipA.Equal(ipB)
	}
	return a == b
}

// ActiveType возвращает активную сеть
func (n *Interface) ActiveType() (Type, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active, n.connected
}

// IsConnected сообщает, подключен ли интерфейс
func (n *Interface) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// Proxy возвращает proxy активной сети
func (n *Interface) Proxy() registration.Proxy {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.proxy
}

// Profile возвращает профиль сети
func (n *Interface) Profile(t Type) (Profile, bool) {
	p, ok := n.profiles[t]
	return p, ok
}

// RegistrationManager возвращает менеджер регистрации
func (n *Interface) RegistrationManager() RegistrationManager {
	return n.reg
}

// Transport возвращает SIP транспорт
func (n *Interface) Transport() transport.Transport {
	return n.tr
}

// Close закрывает очередь и ждет завершения поставленных задач
func (n *Interface) Close() {
	n.queueMu.Lock()
	if !n.closed {
		n.closed = true
		close(n.tasks)
	}
	n.queueMu.Unlock()
	<-n.done
}
