package services

import (
	"net/url"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// Feature tags (RFC 3840) и идентификаторы сервисов RCS/IMS
const (
	TagIMChat  = "+g.oma.sip-im"
	TagICSI    = "+g.3gpp.icsi-ref"
	TagIARI    = "+g.3gpp.iari-ref"
	TagIsFocus = "isfocus"
	TagVideo   = "video"

	ICSIMMTel            = "urn:urn-7:3gpp-service.ims.icsi.mmtel"
	IARIFileTransfer     = "urn:urn-7:3gpp-application.ims.iari.rcse.ft"
	IARIFileTransferHTTP = "urn:urn-7:3gpp-application.ims.iari.rcs.fthttp"
	IARIVideoShare       = "urn:urn-7:3gpp-application.ims.iari.gsma-vs"
	IARIImageShare       = "urn:urn-7:3gpp-application.ims.iari.gsma-is"
	IARIExtensionPrefix  = "urn:urn-7:3gpp-application.ims.iari.rcs.ext."
)

// Content types, по которым маршрутизируются запросы
const (
	ContentTypeSDP      = "application/sdp"
	ContentTypeFileHTTP = "application/vnd.gsma.rcs-ft-http+xml"
	ContentTypePIDF     = "application/pidf+xml"
	ContentTypeIMDN     = "message/imdn+xml"
	ContentTypeCPIM     = "message/cpim"
	ContentTypeText     = "text/plain"
)

const (
	HeaderContributionID = "Contribution-ID"
	HeaderAcceptContact  = "Accept-Contact"
	HeaderEvent          = "Event"
	EventPresence        = "presence"

	sdpFileSelector   = "file-selector"
	sdpFileTransferID = "file-transfer-id"
)

// Features набор feature tags запроса: имя в нижнем регистре -> значения.
// Значения раскодированы (%3A -> :), без кавычек.
type Features map[string][]string

// RequestFeatures собирает feature tags из Accept-Contact (RFC 3841) и Contact запроса
func RequestFeatures(req *sip.Request) Features {
	return collectFeatures(req.GetHeaders(HeaderAcceptContact), req.Contact())
}

// ResponseFeatures собирает feature tags из Contact ответа (ответ на OPTIONS)
func ResponseFeatures(res *sip.Response) Features {
	return collectFeatures(nil, res.Contact())
}

func collectFeatures(acceptContact []sip.Header, contact *sip.ContactHeader) Features {
	f := Features{}
	for _, h := range acceptContact {
		for _, ac := range splitQuoted(h.Value(), ',') {
			params := splitQuoted(ac, ';')
			for _, p := range params[1:] {
				name, value, _ := strings.Cut(p, "=")
				f.add(name, value)
			}
		}
	}
	if contact != nil {
		for name, value := range contact.Params {
			f.add(name, value)
		}
	}
	return f
}

func (f Features) add(name, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "*" {
		return
	}
	values := f[name]
	value = strings.Trim(strings.TrimSpace(value), `"`)
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if decoded, err := url.PathUnescape(v); err == nil {
			v = decoded
		}
		values = append(values, v)
	}
	f[name] = values
}

// Has истина, если тег присутствует
func (f Features) Has(tag string) bool {
	_, ok := f[strings.ToLower(tag)]
	return ok
}

// HasValue истина, если тег содержит значение value
func (f Features) HasValue(tag, value string) bool {
	for _, v := range f[strings.ToLower(tag)] {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// ValueWithPrefix возвращает первое значение тега с префиксом prefix
func (f Features) ValueWithPrefix(tag, prefix string) (string, bool) {
	prefix = strings.ToLower(prefix)
	for _, v := range f[strings.ToLower(tag)] {
		if strings.HasPrefix(strings.ToLower(v), prefix) {
			return v, true
		}
	}
	return "", false
}

// splitQuoted делит s по sep вне кавычек и угловых скобок
func splitQuoted(s string, sep byte) []string {
	var (
		out   []string
		quote bool
		angle bool
		start int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			quote = !quote
		case c == '<' && !quote:
			angle = true
		case c == '>' && !quote:
			angle = false
		case c == sep && !quote && !angle:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func contentType(req *sip.Request) string {
	return mediaType(req.ContentType())
}

func mediaType(h *sip.ContentTypeHeader) string {
	if h == nil {
		return ""
	}
	mt, _, _ := strings.Cut(h.Value(), ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func headerValue(req *sip.Request, name string) string {
	if h := req.GetHeader(name); h != nil {
		return strings.TrimSpace(h.Value())
	}
	return ""
}

// isPresenceEvent проверяет Event: presence (параметры события игнорируются)
func isPresenceEvent(req *sip.Request) bool {
	event, _, _ := strings.Cut(headerValue(req, HeaderEvent), ";")
	return strings.EqualFold(strings.TrimSpace(event), EventPresence)
}

// sdpAttribute ищет атрибут сначала на уровне сессии, затем в медиа описаниях
func sdpAttribute(body []byte, key string) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return "", false
	}
	if v, ok := desc.Attribute(key); ok {
		return v, true
	}
	for _, md := range desc.MediaDescriptions {
		if v, ok := md.Attribute(key); ok {
			return v, true
		}
	}
	return "", false
}
