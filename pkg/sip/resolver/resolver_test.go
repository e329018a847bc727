package resolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchanger отвечает заранее заданными записями
type fakeExchanger struct {
	mu      sync.Mutex
	records map[string][]string // "name|TYPE" -> RR в текстовом виде
	extra   map[string][]string
	calls   atomic.Int32
	delay   time.Duration
}

func newFakeExchanger() *fakeExchanger {
	return &fakeExchanger{records: map[string][]string{}, extra: map[string][]string{}}
}

func (f *fakeExchanger) add(name string, qtype uint16, rrs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := dns.Fqdn(name) + "|" + dns.TypeToString[qtype]
	f.records[key] = append(f.records[key], rrs...)
}

func (f *fakeExchanger) ExchangeContext(_ context.Context, m *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	q := m.Question[0]
	key := q.Name + "|" + dns.TypeToString[q.Qtype]

	f.mu.Lock()
	defer f.mu.Unlock()

	resp := new(dns.Msg)
	resp.SetReply(m)
	texts, ok := f.records[key]
	if !ok {
		resp.Rcode = dns.RcodeNameError
		return resp, 0, nil
	}
	for _, text := range texts {
		rr, err := dns.NewRR(text)
		if err != nil {
			return nil, 0, err
		}
		resp.Answer = append(resp.Answer, rr)
	}
	for _, text := range f.extra[key] {
		rr, err := dns.NewRR(text)
		if err != nil {
			return nil, 0, err
		}
		resp.Extra = append(resp.Extra, rr)
	}
	return resp, 0, nil
}

func newTestResolver(t *testing.T, ex Exchanger, opts ...Option) *DNSResolver {
	t.Helper()
	opts = append([]Option{WithServer("127.0.0.1:53"), WithExchanger(ex), WithLogger(zerolog.Nop())}, opts...)
	r, err := NewDNSResolver(opts...)
	require.NoError(t, err)
	return r
}

func TestResolveLiteralIP(t *testing.T) {
	ex := newFakeExchanger()
	r := newTestResolver(t, ex)

	ip, port, err := r.Resolve(context.Background(), "10.1.2.3", "udp")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip)
	assert.Equal(t, 5060, port)

	ip, port, err = r.Resolve(context.Background(), "10.1.2.3:5080", "tls")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", ip)
	assert.Equal(t, 5080, port)

	_, port, err = r.Resolve(context.Background(), "10.1.2.3", "tls")
	require.NoError(t, err)
	assert.Equal(t, 5061, port)

	assert.Zero(t, ex.calls.Load())
}

// TestResolveNAPTR проверяет цепочку NAPTR -> SRV -> A с выбором по сервису
func TestResolveNAPTR(t *testing.T) {
	ex := newFakeExchanger()
	ex.add("ims.example.com", dns.TypeNAPTR,
		`ims.example.com. 60 IN NAPTR 10 50 "s" "SIP+D2T" "" _sip._tcp.ims.example.com.`,
		`ims.example.com. 60 IN NAPTR 20 50 "s" "SIP+D2U" "" _sip._udp.pcscf.example.com.`,
	)
	ex.add("_sip._udp.pcscf.example.com", dns.TypeSRV,
		`_sip._udp.pcscf.example.com. 60 IN SRV 20 10 5062 backup.example.com.`,
		`_sip._udp.pcscf.example.com. 60 IN SRV 10 10 5060 primary.example.com.`,
	)
	ex.add("primary.example.com", dns.TypeA, `primary.example.com. 60 IN A 192.0.2.10`)
	ex.add("backup.example.com", dns.TypeA, `backup.example.com. 60 IN A 192.0.2.20`)

	r := newTestResolver(t, ex)
	ip, port, err := r.Resolve(context.Background(), "ims.example.com", "udp")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", ip)
	assert.Equal(t, 5060, port)
}

func TestResolveSRVWithoutNAPTR(t *testing.T) {
	ex := newFakeExchanger()
	ex.add("_sip._tcp.example.org", dns.TypeSRV, `_sip._tcp.example.org. 60 IN SRV 10 10 5070 sip.example.org.`)
	ex.add("sip.example.org", dns.TypeAAAA, `sip.example.org. 60 IN AAAA 2001:db8::1`)

	r := newTestResolver(t, ex)
	ip, port, err := r.Resolve(context.Background(), "example.org", "TCP")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip)
	assert.Equal(t, 5070, port)
}

func TestResolveAFallback(t *testing.T) {
	ex := newFakeExchanger()
	ex.add("proxy.example.net", dns.TypeA,
		`proxy.example.net. 60 IN CNAME real.example.net.`,
		`real.example.net. 60 IN A 198.51.100.5`,
	)

	r := newTestResolver(t, ex)
	ip, port, err := r.Resolve(context.Background(), "proxy.example.net", "udp")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.5", ip)
	assert.Equal(t, 5060, port)
}

// TestResolveNegativeCache проверяет, что ошибка кешируется на TTL
func TestResolveNegativeCache(t *testing.T) {
	ex := newFakeExchanger()
	now := time.Unix(1000, 0)
	r := newTestResolver(t, ex, WithClock(func() time.Time { return now }), WithNegativeTTL(5*time.Second))

	_, _, err := r.Resolve(context.Background(), "missing.example.com", "udp")
	require.ErrorIs(t, err, ErrNotFound)
	calls := ex.calls.Load()
	require.NotZero(t, calls)

	_, _, err = r.Resolve(context.Background(), "missing.example.com", "udp")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, calls, ex.calls.Load(), "cached failure must not hit dns")

	// другой протокол кешируется отдельно
	_, _, _ = r.Resolve(context.Background(), "missing.example.com", "tcp")
	assert.Greater(t, ex.calls.Load(), calls)

	now = now.Add(6 * time.Second)
	ex.add("missing.example.com", dns.TypeA, `missing.example.com. 60 IN A 192.0.2.99`)
	ip, _, err := r.Resolve(context.Background(), "missing.example.com", "udp")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.99", ip)
}

// TestResolveSingleflight проверяет объединение одновременных запросов
func TestResolveSingleflight(t *testing.T) {
	ex := newFakeExchanger()
	ex.delay = 20 * time.Millisecond
	ex.add("_sip._udp.shared.example.com", dns.TypeSRV, `_sip._udp.shared.example.com. 60 IN SRV 10 10 5060 shared.example.com.`)
	ex.add("shared.example.com", dns.TypeA, `shared.example.com. 60 IN A 192.0.2.1`)
	r := newTestResolver(t, ex)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, _, err := r.Resolve(context.Background(), "shared.example.com", "udp")
			assert.NoError(t, err)
			assert.Equal(t, "192.0.2.1", ip)
		}()
	}
	wg.Wait()

	// NAPTR + SRV + A на один резолв, с запасом на запоздавшие горутины
	assert.Less(t, ex.calls.Load(), int32(10*3))
}
