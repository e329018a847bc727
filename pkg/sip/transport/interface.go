package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
)

// RequestHandler вызывается для каждого входящего запроса.
// Ответ отправляется через Transport.SendResponse.
type RequestHandler func(req *sip.Request)

// LocalAddr локальный адрес SIP стека
type LocalAddr struct {
	IP      string
	Port    int
	Network string // udp, tcp
}

// HostPort возвращает адрес в форме host:port
func (a LocalAddr) HostPort() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Transport абстрагирует SIP стек от сетевого интерфейса и менеджера регистрации
type Transport interface {
	// Init поднимает слушающий сокет на локальном адресе
	Init(local LocalAddr) error

	// SendRequestAndWait отправляет запрос и ждет финальный ответ.
	// Предварительные ответы (1xx) передаются в onProvisional, если он задан.
	// По истечении timeout возвращается ErrTimeout.
	SendRequestAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional func(*sip.Response)) (*sip.Response, error)

	// SendRequest отправляет запрос вне транзакции (ACK на 2xx)
	SendRequest(req *sip.Request) error

	// SendResponse отправляет ответ через серверную транзакцию запроса
	SendResponse(res *sip.Response) error

	// OnRequest задает обработчик входящих запросов
	OnRequest(handler RequestHandler)

	// GenerateCallID создает уникальный Call-ID
	GenerateCallID() string

	// IsReady сообщает, готов ли транспорт к отправке
	IsReady() bool

	// LocalAddr возвращает локальный адрес после Init
	LocalAddr() LocalAddr

	// StartKeepAlive запускает CRLF keep-alive к proxy с периодом period
	StartKeepAlive(proxy string, period time.Duration) error

	// StopKeepAlive останавливает keep-alive
	StopKeepAlive()

	// Close освобождает сокеты и транзакции
	Close() error
}
