//go:build linux

package transport

import (
	"golang.org/x/sys/unix"
)

// setSockOptReuse включает SO_REUSEADDR и SO_REUSEPORT (Linux).
// SO_REUSEPORT позволяет клиенту sipgo открыть сокет на том же адресе, что и слушатель.
func setSockOptReuse(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}
	// приоритет сигнализации, игнорируем ошибку если не поддерживается
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 4)
	return nil
}
