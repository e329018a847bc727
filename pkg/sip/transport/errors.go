package transport

import "errors"

var (
	// ErrTimeout возвращается, если финальный ответ не получен за отведенное время
	ErrTimeout = errors.New("transaction timeout")

	// ErrTransportClosed возвращается при операции на закрытом транспорте
	ErrTransportClosed = errors.New("transport closed")

	// ErrNotReady возвращается до успешного Init
	ErrNotReady = errors.New("transport not ready")

	// ErrNoTransaction возвращается, если для ответа не найдена серверная транзакция
	ErrNoTransaction = errors.New("no server transaction for response")

	// ErrKeepAliveUnsupported keep-alive поддерживается только поверх UDP
	ErrKeepAliveUnsupported = errors.New("keep-alive requires udp transport")
)

// TransportError ошибка транспорта
type TransportError struct {
	Transport string
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return e.Transport + " " + e.Operation + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// isTimeout checks if error is a timeout
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
