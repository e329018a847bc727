package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/ims_core/pkg/sip/dialog"
)

// DefaultResponseWait сколько серверная транзакция ждет ответа от приложения
const DefaultResponseWait = 32 * time.Second

// inboundMethods методы, для которых регистрируются обработчики сервера
var inboundMethods = []sip.RequestMethod{
	sip.INVITE, sip.ACK, sip.CANCEL, sip.BYE, sip.OPTIONS,
	sip.MESSAGE, sip.NOTIFY, sip.UPDATE, sip.REFER, sip.INFO,
}

// SipgoTransportOption настраивает SipgoTransport
type SipgoTransportOption func(t *SipgoTransport) error

// WithLogger задает логгер
func WithLogger(l zerolog.Logger) SipgoTransportOption {
	return func(t *SipgoTransport) error {
		t.log = l.With().Str("component", "transport").Logger()
		return nil
	}
}

// WithUserAgent задает User-Agent стека
func WithUserAgent(name string) SipgoTransportOption {
	return func(t *SipgoTransport) error {
		if name == "" {
			return fmt.Errorf("пустой user agent")
		}
		t.userAgent = name
		return nil
	}
}

// WithDSCP задает DSCP маркировку сигнального сокета (0 отключает)
func WithDSCP(dscp int) SipgoTransportOption {
	return func(t *SipgoTransport) error {
		if dscp < 0 || dscp > 63 {
			return fmt.Errorf("некорректный DSCP: %d", dscp)
		}
		t.dscp = dscp
		return nil
	}
}

// WithResponseWait задает максимальное ожидание ответа приложения на входящий запрос
func WithResponseWait(d time.Duration) SipgoTransportOption {
	return func(t *SipgoTransport) error {
		t.responseWait = d
		return nil
	}
}

// serverTx входящая транзакция, ожидающая ответа от приложения
type serverTx struct {
	tx       sip.ServerTransaction
	req      *sip.Request
	answered chan struct{}
	once     sync.Once
}

func (s *serverTx) finish() {
	s.once.Do(func() { close(s.answered) })
}

// SipgoTransport реализация Transport поверх sipgo UserAgent/Client/Server
type SipgoTransport struct {
	userAgent    string
	dscp         int
	responseWait time.Duration
	log          zerolog.Logger

	mu        sync.RWMutex
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	conn      *net.UDPConn
	local     LocalAddr
	ready     bool
	closed    bool
	cancel    context.CancelFunc
	handler   RequestHandler
	keepAlive *KeepAlive

	txMu    sync.Mutex
	pending map[string]*serverTx
}

// NewSipgoTransport создает транспорт; сокеты открываются в Init
func NewSipgoTransport(opts ...SipgoTransportOption) (*SipgoTransport, error) {
	t := &SipgoTransport{
		userAgent:    "IMS-Core",
		dscp:         DSCPSignaling,
		responseWait: DefaultResponseWait,
		log:          log.Logger.With().Str("component", "transport").Logger(),
		pending:      make(map[string]*serverTx),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, fmt.Errorf("ошибка применения опции: %w", err)
		}
	}
	return t, nil
}

// Init поднимает sipgo стек на локальном адресе.
// Повторный Init пересоздает стек (смена сети).
func (t *SipgoTransport) Init(local LocalAddr) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	t.shutdown()

	network := strings.ToLower(local.Network)
	if network == "" {
		network = "udp"
	}
	local.Network = network

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(t.userAgent),
		sipgo.WithUserAgentHostname(local.IP),
	)
	if err != nil {
		return fmt.Errorf("ошибка создания User Agent: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("ошибка создания сервера: %w", err)
	}
	for _, method := range inboundMethods {
		server.OnRequest(method, t.handleRequest)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var conn *net.UDPConn
	switch network {
	case "udp":
		conn, err = listenUDP(ctx, local.HostPort(), t.dscp)
		if err != nil {
			cancel()
			ua.Close()
			return err
		}
		// порт 0 означает выбор ядром
		local.Port = conn.LocalAddr().(*net.UDPAddr).Port
		go func() {
			if err := server.ServeUDP(conn); err != nil && ctx.Err() == nil {
				t.log.Error().Err(err).Msg("udp server stopped")
			}
		}()
	default:
		readyCh := make(chan struct{})
		lctx := context.WithValue(ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(readyCh))
		go func() {
			if err := server.ListenAndServe(lctx, network, local.HostPort()); err != nil && ctx.Err() == nil {
				t.log.Error().Err(err).Str("network", network).Msg("server stopped")
			}
		}()
		select {
		case <-readyCh:
		case <-time.After(5 * time.Second):
			cancel()
			ua.Close()
			return &TransportError{Transport: network, Operation: "listen", Err: ErrTimeout}
		}
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(local.IP),
		sipgo.WithClientAddr(local.HostPort()),
	)
	if err != nil {
		cancel()
		if conn != nil {
			conn.Close()
		}
		ua.Close()
		return fmt.Errorf("ошибка создания клиента: %w", err)
	}

	t.mu.Lock()
	t.ua, t.server, t.client, t.conn = ua, server, client, conn
	t.local = local
	t.cancel = cancel
	if conn != nil {
		t.keepAlive = NewKeepAlive(conn, t.log)
	}
	t.ready = true
	t.mu.Unlock()

	t.log.Info().Str("network", network).Str("addr", local.HostPort()).Msg("transport ready")
	return nil
}

// SendRequestAndWait отправляет запрос через клиентскую транзакцию sipgo
func (t *SipgoTransport) SendRequestAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional func(*sip.Response)) (*sip.Response, error) {
	t.mu.RLock()
	client, ready, network := t.client, t.ready, t.local.Network
	t.mu.RUnlock()
	if !ready {
		return nil, ErrNotReady
	}

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, &TransportError{Transport: network, Operation: "send " + req.Method.String(), Err: err}
	}
	defer tx.Terminate()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("%w: transaction closed", ErrTimeout)
			}
			if res.StatusCode < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			return res, nil
		case <-tx.Done():
			// финальный ответ мог прийти одновременно с завершением транзакции
			select {
			case res, ok := <-tx.Responses():
				if ok && res.StatusCode >= 200 {
					return res, nil
				}
			default:
			}
			if err := tx.Err(); err != nil && !isTimeout(err) {
				return nil, &TransportError{Transport: network, Operation: "transaction", Err: err}
			}
			return nil, ErrTimeout
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendRequest отправляет запрос без клиентской транзакции
func (t *SipgoTransport) SendRequest(req *sip.Request) error {
	t.mu.RLock()
	client, ready, network := t.client, t.ready, t.local.Network
	t.mu.RUnlock()
	if !ready {
		return ErrNotReady
	}
	if err := client.WriteRequest(req); err != nil {
		return &TransportError{Transport: network, Operation: "write " + req.Method.String(), Err: err}
	}
	return nil
}

// SendResponse отвечает через серверную транзакцию, найденную по branch верхнего Via
func (t *SipgoTransport) SendResponse(res *sip.Response) error {
	key := transactionKey(res.Via(), res.CSeq())

	t.txMu.Lock()
	stx, ok := t.pending[key]
	if ok && res.StatusCode >= 200 {
		delete(t.pending, key)
	}
	t.txMu.Unlock()

	if !ok {
		return ErrNoTransaction
	}
	if res.StatusCode >= 200 {
		defer stx.finish()
	}
	if err := stx.tx.Respond(res); err != nil {
		return &TransportError{Transport: t.LocalAddr().Network, Operation: "respond", Err: err}
	}
	return nil
}

// OnRequest задает обработчик входящих запросов
func (t *SipgoTransport) OnRequest(handler RequestHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// handleRequest вызывается sipgo сервером в отдельной горутине.
// Обработчик не возвращается, пока приложение не ответит, иначе sipgo
// завершит транзакцию без ответа.
func (t *SipgoTransport) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if req.IsAck() {
		if handler != nil {
			handler(req)
		}
		return
	}

	if handler == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		return
	}

	stx := &serverTx{tx: tx, req: req, answered: make(chan struct{})}
	key := transactionKey(req.Via(), req.CSeq())
	t.txMu.Lock()
	t.pending[key] = stx
	t.txMu.Unlock()

	handler(req)

	timer := time.NewTimer(t.responseWait)
	defer timer.Stop()

	select {
	case <-stx.answered:
	case <-tx.Done():
	case <-timer.C:
		t.log.Warn().Str("method", req.Method.String()).Str("call_id", callID(req)).Msg("no response from application")
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
	}

	t.txMu.Lock()
	delete(t.pending, key)
	t.txMu.Unlock()
}

// GenerateCallID создает Call-ID вида uuid@host
func (t *SipgoTransport) GenerateCallID() string {
	return dialog.NewCallID(t.LocalAddr().IP)
}

// IsReady сообщает, готов ли транспорт
func (t *SipgoTransport) IsReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready && !t.closed
}

// LocalAddr возвращает локальный адрес стека
func (t *SipgoTransport) LocalAddr() LocalAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// StartKeepAlive запускает CRLF keep-alive (только UDP)
func (t *SipgoTransport) StartKeepAlive(proxy string, period time.Duration) error {
	t.mu.RLock()
	ka := t.keepAlive
	t.mu.RUnlock()
	if ka == nil {
		return ErrKeepAliveUnsupported
	}
	return ka.Start(proxy, period)
}

// StopKeepAlive останавливает keep-alive
func (t *SipgoTransport) StopKeepAlive() {
	t.mu.RLock()
	ka := t.keepAlive
	t.mu.RUnlock()
	if ka != nil {
		ka.Stop()
	}
}

// Close закрывает стек. После Close транспорт использовать нельзя.
func (t *SipgoTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.shutdown()
	return nil
}

// shutdown останавливает текущий стек, если он поднят
func (t *SipgoTransport) shutdown() {
	t.mu.Lock()
	ua, client, server, conn, cancel, ka := t.ua, t.client, t.server, t.conn, t.cancel, t.keepAlive
	t.ua, t.client, t.server, t.conn, t.cancel, t.keepAlive = nil, nil, nil, nil, nil, nil
	t.ready = false
	t.mu.Unlock()

	if ka != nil {
		ka.Stop()
	}
	if cancel != nil {
		cancel()
	}

	t.txMu.Lock()
	for key, stx := range t.pending {
		stx.finish()
		delete(t.pending, key)
	}
	t.txMu.Unlock()

	var errs []error
	if client != nil {
		errs = append(errs, client.Close())
	}
	if server != nil {
		errs = append(errs, server.Close())
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if ua != nil {
		errs = append(errs, ua.Close())
	}
	if err := errors.Join(errs...); err != nil {
		t.log.Debug().Err(err).Msg("transport shutdown")
	}
}

// transactionKey ключ серверной транзакции: branch + метод CSeq (CANCEL имеет тот же branch, что INVITE)
func transactionKey(via *sip.ViaHeader, cseq *sip.CSeqHeader) string {
	var branch, method string
	if via != nil {
		branch, _ = via.Params.Get("branch")
	}
	if cseq != nil {
		method = cseq.MethodName.String()
	}
	return branch + "|" + method
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
