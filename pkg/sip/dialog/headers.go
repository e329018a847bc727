package dialog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// HeaderSource - общий интерфейс sip.Request и sip.Response для чтения заголовков
type HeaderSource interface {
	GetHeader(name string) sip.Header
	GetHeaders(name string) []sip.Header
}

// NameAddr представляет значение вида "Display" <uri>;param=value
type NameAddr struct {
	DisplayName string
	URI         sip.Uri
	Params      map[string]string // ключи в нижнем регистре, значения без кавычек
}

// Param возвращает параметр заголовка
func (na NameAddr) Param(name string) (string, bool) {
	v, ok := na.Params[strings.ToLower(name)]
	return v, ok
}

// ParseNameAddrs разбирает значение заголовка, которое может содержать
// несколько адресов через запятую (Contact, Route, P-Associated-URI ...)
func ParseNameAddrs(value string) ([]NameAddr, error) {
	var result []NameAddr
	for _, part := range splitOutside(value, ',') {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		na, err := parseNameAddr(part)
		if err != nil {
			return nil, err
		}
		result = append(result, na)
	}
	return result, nil
}

func parseNameAddr(s string) (NameAddr, error) {
	na := NameAddr{Params: make(map[string]string)}

	var uriPart, rest string
	if i := strings.IndexByte(s, '<'); i >= 0 {
		j := strings.IndexByte(s[i:], '>')
		if j < 0 {
			return na, fmt.Errorf("%w: unterminated name-addr %q", ErrInvalidHeader, s)
		}
		na.DisplayName = strings.Trim(strings.TrimSpace(s[:i]), `"`)
		uriPart = s[i+1 : i+j]
		rest = s[i+j+1:]
	} else {
		// addr-spec: параметры после ';' относятся к заголовку
		uriPart, rest, _ = strings.Cut(s, ";")
		if rest != "" {
			rest = ";" + rest
		}
	}

	uriPart = strings.TrimSpace(uriPart)
	if len(uriPart) > 4 && strings.EqualFold(uriPart[:4], "tel:") {
		// tel URI (RFC 3966) разбирается упрощенно: номер до первого ';'
		number, _, _ := strings.Cut(uriPart[4:], ";")
		na.URI = sip.Uri{Scheme: "tel", User: number}
	} else if err := sip.ParseUri(uriPart, &na.URI); err != nil {
		return na, fmt.Errorf("%w: uri %q: %v", ErrInvalidHeader, uriPart, err)
	}

	for _, p := range splitOutside(rest, ';') {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		na.Params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return na, nil
}

// splitOutside делит строку по sep вне кавычек и угловых скобок
func splitOutside(s string, sep byte) []string {
	var (
		parts  []string
		quoted bool
		angle  int
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			angle++
		case c == '>':
			if angle > 0 {
				angle--
			}
		case c == sep && angle == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// HeaderNameAddrs разбирает все значения заголовка name
func HeaderNameAddrs(msg HeaderSource, name string) ([]NameAddr, error) {
	var result []NameAddr
	for _, h := range msg.GetHeaders(name) {
		parsed, err := ParseNameAddrs(h.Value())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		result = append(result, parsed...)
	}
	return result, nil
}

// AssociatedURIs возвращает URI из P-Associated-URI (RFC 3455).
// Нераспознаваемый заголовок - ошибка протокола.
func AssociatedURIs(msg HeaderSource) ([]sip.Uri, error) {
	addrs, err := HeaderNameAddrs(msg, "P-Associated-URI")
	if err != nil {
		return nil, err
	}
	uris := make([]sip.Uri, 0, len(addrs))
	for _, a := range addrs {
		uris = append(uris, a.URI)
	}
	return uris, nil
}

// ServiceRoutes возвращает маршруты из Service-Route (RFC 3608)
func ServiceRoutes(msg HeaderSource) ([]sip.Uri, error) {
	addrs, err := HeaderNameAddrs(msg, "Service-Route")
	if err != nil {
		return nil, err
	}
	uris := make([]sip.Uri, 0, len(addrs))
	for _, a := range addrs {
		uris = append(uris, a.URI)
	}
	return uris, nil
}

// ContactTarget возвращает URI первого Contact (используется при 302)
func ContactTarget(msg HeaderSource) (sip.Uri, error) {
	addrs, err := HeaderNameAddrs(msg, "Contact")
	if err != nil {
		return sip.Uri{}, err
	}
	if len(addrs) == 0 {
		return sip.Uri{}, fmt.Errorf("%w: Contact", ErrNoHeader)
	}
	return addrs[0].URI, nil
}

// GRUU содержит pub-gruu и temp-gruu (RFC 5627)
type GRUU struct {
	Public    string
	Temporary string
}

// ExtractGRUU ищет GRUU у Contact с совпадающим +sip.instance
func ExtractGRUU(msg HeaderSource, instanceID string) (GRUU, bool) {
	if instanceID == "" {
		return GRUU{}, false
	}
	addrs, err := HeaderNameAddrs(msg, "Contact")
	if err != nil {
		return GRUU{}, false
	}

	want := strings.Trim(instanceID, `"`)
	for _, a := range addrs {
		inst, ok := a.Param("+sip.instance")
		if !ok || !strings.EqualFold(inst, want) {
			continue
		}
		g := GRUU{}
		g.Public, _ = a.Param("pub-gruu")
		g.Temporary, _ = a.Param("temp-gruu")
		return g, g.Public != "" || g.Temporary != ""
	}
	return GRUU{}, false
}

// ExtractExpires возвращает реальный период регистрации:
// параметр expires нашего Contact, иначе заголовок Expires, иначе -1
func ExtractExpires(msg HeaderSource, contact sip.Uri, instanceID string) int {
	addrs, _ := HeaderNameAddrs(msg, "Contact")

	var match *NameAddr
	for i := range addrs {
		a := &addrs[i]
		if instanceID != "" {
			if inst, ok := a.Param("+sip.instance"); ok && strings.EqualFold(inst, strings.Trim(instanceID, `"`)) {
				match = a
				break
			}
		}
		if sameContact(a.URI, contact) {
			match = a
			break
		}
	}
	if match == nil && len(addrs) == 1 {
		match = &addrs[0]
	}
	if match != nil {
		if v, ok := match.Param("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}

	if h := msg.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			return n
		}
	}
	return -1
}

func sameContact(a, b sip.Uri) bool {
	return a.User == b.User && strings.EqualFold(a.Host, b.Host) && portOrDefault(a.Port) == portOrDefault(b.Port)
}

func portOrDefault(p int) int {
	if p == 0 {
		return 5060
	}
	return p
}

// MinExpires читает Min-Expires из 423 Interval Too Brief
func MinExpires(msg HeaderSource) (int, bool) {
	h := msg.GetHeader("Min-Expires")
	if h == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ViaReceived возвращает адрес из параметров received/rport верхнего Via (RFC 3581).
// ok=false если сервер не добавил ни одного из параметров.
func ViaReceived(res *sip.Response) (host string, port int, ok bool) {
	via := res.Via()
	if via == nil {
		return "", 0, false
	}
	host = via.Host
	port = via.Port
	if received, has := via.Params.Get("received"); has && received != "" {
		host = received
		ok = true
	}
	if rport, has := via.Params.Get("rport"); has && rport != "" {
		if n, err := strconv.Atoi(rport); err == nil && n > 0 {
			port = n
			ok = true
		}
	}
	return host, port, ok
}

// KeepAlivePeriod читает параметр keep верхнего Via (RFC 6223).
// Отсутствующее или неположительное значение заменяется на def.
func KeepAlivePeriod(res *sip.Response, def int) int {
	via := res.Via()
	if via == nil {
		return def
	}
	v, ok := via.Params.Get("keep")
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
