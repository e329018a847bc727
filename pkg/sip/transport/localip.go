package transport

import (
	"fmt"
	"net"
)

// DetectLocalIP определяет исходящий локальный IP для связи с proxyAddr (host:port).
// UDP "соединение" не отправляет пакетов, ядро лишь выбирает маршрут,
// поэтому определение идет через UDP для любого транспорта.
func DetectLocalIP(proxyAddr string) (string, error) {
	conn, err := net.Dial("udp", proxyAddr)
	if err != nil {
		return "", &TransportError{Transport: "udp", Operation: "detect local ip", Err: err}
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("detect local ip: unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
