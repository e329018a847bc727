//go:build darwin

package transport

import (
	"golang.org/x/sys/unix"
)

// setSockOptReuse включает переиспользование адреса для macOS
func setSockOptReuse(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	// SO_REUSEPORT доступен с macOS 10.10, ошибку игнорируем
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	// SO_NOSIGPIPE предотвращает SIGPIPE на TCP
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	return nil
}
