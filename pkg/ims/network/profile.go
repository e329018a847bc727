package network

import (
	"fmt"
	"strings"

	"github.com/arzzra/ims_core/pkg/ims/registration"
)

// Type тип сетевого подключения
type Type int

const (
	// Mobile сотовая сеть (P-CSCF оператора)
	Mobile Type = iota
	// WiFi подключение через WLAN
	WiFi
)

func (t Type) String() string {
	switch t {
	case Mobile:
		return "mobile"
	case WiFi:
		return "wifi"
	default:
		return fmt.Sprintf("network(%d)", int(t))
	}
}

// ParseType разбирает имя сети из конфигурации
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mobile", "cellular":
		return Mobile, nil
	case "wifi", "wlan":
		return WiFi, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

// Profile параметры proxy для одного типа сети
type Profile struct {
	Type Type
	// ProxyAddr домен, host или IP P-CSCF
	ProxyAddr string
	// ProxyPort 0 - порт определяется через DNS
	ProxyPort int
	// Protocol udp, tcp или tls
	Protocol string
	AuthMode registration.AuthMode
	// AccessNetworkInfo значение P-Access-Network-Info
	AccessNetworkInfo string
}

func (p Profile) protocol() string {
	if p.Protocol == "" {
		return "udp"
	}
	return strings.ToLower(p.Protocol)
}
