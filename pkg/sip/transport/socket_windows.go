//go:build windows

package transport

import (
	"syscall"
)

// setSockOptReuse для Windows: SO_REUSEPORT не поддерживается, используем SO_REUSEADDR
func setSockOptReuse(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
