// Package resolver определяет адрес SIP proxy по RFC 3263: NAPTR -> SRV -> A/AAAA.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultNegativeTTL время кеширования неудачного разрешения
const DefaultNegativeTTL = 5 * time.Second

var (
	// ErrNotFound домен не разрешился ни в один адрес
	ErrNotFound = errors.New("sip target not resolved")
	// ErrNoServer не задан DNS сервер и /etc/resolv.conf недоступен
	ErrNoServer = errors.New("no dns server configured")
)

// Resolver разрешает домен proxy в IP и порт для протокола proto (udp, tcp, tls)
type Resolver interface {
	Resolve(ctx context.Context, domain, proto string) (ip string, port int, err error)
}

// Exchanger выполняет DNS запрос; *dns.Client удовлетворяет интерфейсу
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Option настраивает DNSResolver
type Option func(r *DNSResolver)

// WithServer задает DNS сервер host:port
func WithServer(addr string) Option {
	return func(r *DNSResolver) { r.server = addr }
}

// WithExchanger подменяет DNS клиент
func WithExchanger(ex Exchanger) Option {
	return func(r *DNSResolver) { r.exchanger = ex }
}

// WithNegativeTTL задает время жизни отрицательного кеша
func WithNegativeTTL(ttl time.Duration) Option {
	return func(r *DNSResolver) { r.negativeTTL = ttl }
}

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) Option {
	return func(r *DNSResolver) { r.log = l.With().Str("component", "resolver").Logger() }
}

// WithClock подменяет источник времени (для тестов)
func WithClock(now func() time.Time) Option {
	return func(r *DNSResolver) { r.now = now }
}

// DNSResolver реализация Resolver поверх miekg/dns
type DNSResolver struct {
	server      string
	exchanger   Exchanger
	negativeTTL time.Duration
	now         func() time.Time
	log         zerolog.Logger

	group singleflight.Group

	mu       sync.Mutex
	negative map[string]time.Time
}

type target struct {
	ip   string
	port int
}

// NewDNSResolver создает резолвер. Если сервер не задан, берется первый из /etc/resolv.conf.
func NewDNSResolver(opts ...Option) (*DNSResolver, error) {
	r := &DNSResolver{
		exchanger:   &dns.Client{Timeout: 3 * time.Second},
		negativeTTL: DefaultNegativeTTL,
		now:         time.Now,
		log:         log.Logger.With().Str("component", "resolver").Logger(),
		negative:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.server == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(cfg.Servers) == 0 {
			return nil, ErrNoServer
		}
		r.server = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}
	return r, nil
}

// Resolve возвращает IP и порт proxy.
// Литеральный IP возвращается без запросов, host:port разрешается только по A/AAAA.
func (r *DNSResolver) Resolve(ctx context.Context, domain, proto string) (string, int, error) {
	proto = strings.ToLower(proto)
	if proto == "" {
		proto = "udp"
	}

	host, port := domain, 0
	if h, p, err := net.SplitHostPort(domain); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	}
	if ip := net.ParseIP(host); ip != nil {
		if port == 0 {
			port = defaultPort(proto)
		}
		return ip.String(), port, nil
	}

	key := domain + "|" + proto
	if r.isNegative(key) {
		return "", 0, fmt.Errorf("%w: %s (cached)", ErrNotFound, domain)
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if port != 0 {
			ip, err := r.lookupHost(ctx, host)
			return target{ip: ip, port: port}, err
		}
		return r.resolve(ctx, host, proto)
	})
	if err != nil {
		r.setNegative(key)
		r.log.Warn().Err(err).Str("domain", domain).Str("proto", proto).Msg("resolve failed")
		return "", 0, err
	}
	t := v.(target)
	r.log.Debug().Str("domain", domain).Str("ip", t.ip).Int("port", t.port).Msg("resolved")
	return t.ip, t.port, nil
}

func (r *DNSResolver) resolve(ctx context.Context, domain, proto string) (target, error) {
	srvName := ""
	if replacement, err := r.lookupNAPTR(ctx, domain, proto); err == nil && replacement != "" {
		srvName = replacement
	}
	if srvName == "" {
		srvName = srvPrefix(proto) + dns.Fqdn(domain)
	}

	if srvs, extra, err := r.lookupSRV(ctx, srvName); err == nil {
		for _, srv := range srvs {
			if ip := addressFrom(extra, srv.Target); ip != "" {
				return target{ip: ip, port: int(srv.Port)}, nil
			}
			if ip, err := r.lookupHost(ctx, srv.Target); err == nil {
				return target{ip: ip, port: int(srv.Port)}, nil
			}
		}
	}

	ip, err := r.lookupHost(ctx, domain)
	if err != nil {
		return target{}, err
	}
	return target{ip: ip, port: defaultPort(proto)}, nil
}

// lookupNAPTR возвращает replacement первой записи с подходящим сервисом (RFC 3263 §4.1)
func (r *DNSResolver) lookupNAPTR(ctx context.Context, domain, proto string) (string, error) {
	resp, err := r.query(ctx, domain, dns.TypeNAPTR)
	if err != nil {
		return "", err
	}
	var records []*dns.NAPTR
	for _, rr := range resp.Answer {
		if n, ok := rr.(*dns.NAPTR); ok {
			records = append(records, n)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Order != records[j].Order {
			return records[i].Order < records[j].Order
		}
		return records[i].Preference < records[j].Preference
	})

	want := naptrService(proto)
	for _, n := range records {
		if strings.EqualFold(n.Service, want) && strings.EqualFold(n.Flags, "s") {
			return n.Replacement, nil
		}
	}
	return "", nil
}

// lookupSRV возвращает записи по приоритету (меньше лучше), при равном - по весу (больше лучше)
func (r *DNSResolver) lookupSRV(ctx context.Context, name string) ([]*dns.SRV, []dns.RR, error) {
	resp, err := r.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, nil, err
	}
	var records []*dns.SRV
	for _, rr := range resp.Answer {
		if s, ok := rr.(*dns.SRV); ok {
			records = append(records, s)
		}
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%w: no SRV for %s", ErrNotFound, name)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	return records, resp.Extra, nil
}

func (r *DNSResolver) lookupHost(ctx context.Context, host string) (string, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.query(ctx, host, qtype)
		if err != nil {
			continue
		}
		// ответ может содержать цепочку CNAME, берем первый адрес
		if ip := addressFrom(resp.Answer, ""); ip != "" {
			return ip, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, host)
}

func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	resp, _, err := r.exchanger.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("dns %s %s: %w", dns.TypeToString[qtype], name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: dns %s %s: %s", ErrNotFound, dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

// addressFrom ищет A/AAAA запись для имени; пустое имя - любая запись
func addressFrom(rrs []dns.RR, name string) string {
	for _, rr := range rrs {
		if name != "" && !strings.EqualFold(rr.Header().Name, dns.Fqdn(name)) {
			continue
		}
		switch a := rr.(type) {
		case *dns.A:
			return a.A.String()
		case *dns.AAAA:
			return a.AAAA.String()
		}
	}
	return ""
}

func (r *DNSResolver) isNegative(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.negative[key]
	if !ok {
		return false
	}
	if r.now().After(until) {
		delete(r.negative, key)
		return false
	}
	return true
}

func (r *DNSResolver) setNegative(key string) {
	if r.negativeTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.negative[key] = r.now().Add(r.negativeTTL)
}

func naptrService(proto string) string {
	switch proto {
	case "tcp":
		return "SIP+D2T"
	case "tls":
		return "SIPS+D2T"
	default:
		return "SIP+D2U"
	}
}

func srvPrefix(proto string) string {
	switch proto {
	case "tcp":
		return "_sip._tcp."
	case "tls":
		return "_sips._tcp."
	default:
		return "_sip._udp."
	}
}

func defaultPort(proto string) int {
	if proto == "tls" {
		return 5061
	}
	return 5060
}
