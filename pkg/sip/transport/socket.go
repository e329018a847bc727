package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
)

// DSCPSignaling класс CS3 для SIP сигнализации (RFC 4594)
const DSCPSignaling = 24

// listenUDP открывает UDP сокет с SO_REUSEADDR/SO_REUSEPORT и DSCP маркировкой.
// Ошибка установки TOS не критична (в контейнерах может не хватать прав).
func listenUDP(ctx context.Context, addr string, dscp int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlReuse}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, &TransportError{Transport: "udp", Operation: "listen", Err: err}
	}
	conn := pc.(*net.UDPConn)

	if dscp > 0 {
		_ = ipv4.NewConn(conn).SetTOS(dscp << 2)
	}
	return conn, nil
}

func controlReuse(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = setSockOptReuse(fd)
	})
	if err != nil {
		return err
	}
	return sockErr
}
