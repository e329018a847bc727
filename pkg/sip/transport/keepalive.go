package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// keepAlivePing двойной CRLF (RFC 5626 §3.5.1)
var keepAlivePing = []byte("\r\n\r\n")

// KeepAlive периодически отправляет CRLF к proxy из сокета SIP стека,
// чтобы NAT не закрыл привязку между регистрациями.
type KeepAlive struct {
	conn net.PacketConn
	log  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewKeepAlive создает keep-alive поверх уже открытого сокета
func NewKeepAlive(conn net.PacketConn, log zerolog.Logger) *KeepAlive {
	return &KeepAlive{
		conn: conn,
		log:  log.With().Str("component", "keepalive").Logger(),
	}
}

// Start запускает отправку к target (host:port) с периодом period.
// Предыдущий запуск останавливается.
func (k *KeepAlive) Start(target string, period time.Duration) error {
	if period <= 0 {
		return &TransportError{Transport: "udp", Operation: "keep-alive", Err: net.InvalidAddrError("non-positive period")}
	}
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return &TransportError{Transport: "udp", Operation: "resolve keep-alive target", Err: err}
	}

	k.Stop()

	k.mu.Lock()
	defer k.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.loop(ctx, addr, period, k.done)

	k.log.Debug().Str("target", target).Dur("period", period).Msg("keep-alive started")
	return nil
}

func (k *KeepAlive) loop(ctx context.Context, addr net.Addr, period time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.conn.WriteTo(keepAlivePing, addr); err != nil {
				k.failed.Add(1)
				k.log.Warn().Err(err).Str("target", addr.String()).Msg("keep-alive send failed")
				continue
			}
			k.sent.Add(1)
		}
	}
}

// Stop останавливает отправку и дожидается завершения горутины
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	k.log.Debug().Msg("keep-alive stopped")
}

// Running сообщает, запущен ли keep-alive
func (k *KeepAlive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancel != nil
}

// Sent количество отправленных пингов
func (k *KeepAlive) Sent() uint64 {
	return k.sent.Load()
}
