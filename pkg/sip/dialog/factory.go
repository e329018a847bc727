package dialog

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// AllowedMethods - значение заголовка Allow для REGISTER и ответов на OPTIONS
const AllowedMethods = "INVITE, UPDATE, ACK, CANCEL, BYE, NOTIFY, OPTIONS, MESSAGE, REFER"

// MaxForwards значение Max-Forwards по умолчанию (RFC 3261 §8.1.1.6)
const MaxForwards = 70

// Endpoint описывает локальную сторону для построения запросов
type Endpoint struct {
	// User часть Contact URI (обычно username из публичного URI)
	User string
	// Host и Port локального адреса (Via, Contact)
	Host string
	Port int
	// Transport UDP, TCP или TLS
	Transport string
	// UserAgent строка для заголовка User-Agent
	UserAgent string
	// InstanceID значение +sip.instance ("<urn:uuid:...>"), пусто если GRUU не поддерживается
	InstanceID string
	// GRUU публичный GRUU, используется в Contact вместо адреса после регистрации
	GRUU string
	// KeepAlive добавляет параметр keep в Via (RFC 6223)
	KeepAlive bool
	// Features дополнительные feature tags для Contact (RFC 3840)
	Features []string
	// AccessNetworkInfo значение P-Access-Network-Info
	AccessNetworkInfo string
}

// ContactURI возвращает адрес для заголовка Contact
func (e Endpoint) ContactURI() sip.Uri {
	uri := sip.Uri{Scheme: "sip", User: e.User, Host: e.Host, Port: e.Port}
	if t := strings.ToLower(e.Transport); t != "" && t != "udp" {
		uri.UriParams = sip.HeaderParams{"transport": t}
	}
	return uri
}

func (e Endpoint) via() *sip.ViaHeader {
	transport := strings.ToUpper(e.Transport)
	if transport == "" {
		transport = "UDP"
	}
	params := sip.HeaderParams{"branch": NewBranch(), "rport": ""}
	if e.KeepAlive {
		params["keep"] = ""
	}
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transport,
		Host:            e.Host,
		Port:            e.Port,
		Params:          params,
	}
}

func (e Endpoint) contact(expires int, register bool) *sip.ContactHeader {
	c := &sip.ContactHeader{Address: e.ContactURI(), Params: sip.HeaderParams{}}
	if !register && e.GRUU != "" {
		var gruu sip.Uri
		if err := sip.ParseUri(e.GRUU, &gruu); err == nil {
			c.Address = gruu
		}
	}
	if register && expires >= 0 {
		c.Params["expires"] = fmt.Sprint(expires)
	}
	if e.InstanceID != "" {
		c.Params["+sip.instance"] = `"` + strings.Trim(e.InstanceID, `"`) + `"`
	}
	for _, f := range e.Features {
		k, v, _ := strings.Cut(f, "=")
		c.Params[k] = v
	}
	return c
}

// Contact возвращает Contact для запросов и ответов внутри диалога (GRUU, если известен)
func (e Endpoint) Contact() *sip.ContactHeader {
	return e.contact(-1, false)
}

// newRequest создает запрос диалога с общими заголовками
func newRequest(p *Path, ep Endpoint, method sip.RequestMethod, cseq uint32) *sip.Request {
	req := sip.NewRequest(method, p.Target())
	req.AppendHeader(ep.via())

	maxf := sip.MaxForwardsHeader(MaxForwards)
	req.AppendHeader(&maxf)

	req.AppendHeader(&sip.FromHeader{
		Address: p.LocalParty(),
		Params:  sip.HeaderParams{"tag": p.LocalTag()},
	})
	to := &sip.ToHeader{Address: p.RemoteParty(), Params: sip.HeaderParams{}}
	if tag := p.RemoteTag(); tag != "" {
		to.Params["tag"] = tag
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(p.CallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	p.Route().AppendTo(req)

	if ep.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", ep.UserAgent))
	}
	if ep.AccessNetworkInfo != "" {
		req.AppendHeader(sip.NewHeader("P-Access-Network-Info", ep.AccessNetworkInfo))
	}
	return req
}

func setBody(req *sip.Request, contentType string, body []byte) {
	if len(body) == 0 {
		cl := sip.ContentLengthHeader(0)
		req.AppendHeader(&cl)
		return
	}
	ct := sip.ContentTypeHeader(contentType)
	req.AppendHeader(&ct)
	req.SetBody(body)
}

// CreateRegister строит REGISTER (RFC 3261 §10, RFC 3327, RFC 5627).
// CSeq должен быть увеличен вызывающей стороной через IncrementCSeq.
func CreateRegister(p *Path, ep Endpoint, expires int) *sip.Request {
	req := newRequest(p, ep, sip.REGISTER, p.CSeq())
	req.AppendHeader(ep.contact(expires, true))

	supported := "path"
	if ep.InstanceID != "" {
		supported += ", gruu"
	}
	req.AppendHeader(sip.NewHeader("Supported", supported))
	req.AppendHeader(sip.NewHeader("Allow", AllowedMethods))

	exp := sip.ExpiresHeader(uint32(max(expires, 0)))
	req.AppendHeader(&exp)

	setBody(req, "", nil)
	return req
}

// CreateInvite строит INVITE и запоминает его в диалоге
func CreateInvite(p *Path, ep Endpoint, contentType string, body []byte) *sip.Request {
	req := newRequest(p, ep, sip.INVITE, p.CSeq())
	req.AppendHeader(ep.contact(-1, false))
	req.AppendHeader(sip.NewHeader("Allow", AllowedMethods))
	if se := p.SessionExpireTime(); se > 0 {
		req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprint(se)))
		req.AppendHeader(sip.NewHeader("Supported", "timer"))
	}
	setBody(req, contentType, body)
	p.SetInvite(req)
	return req
}

// CreateMessage строит MESSAGE (RFC 3428)
func CreateMessage(p *Path, ep Endpoint, contentType string, body []byte) *sip.Request {
	req := newRequest(p, ep, sip.MESSAGE, p.CSeq())
	setBody(req, contentType, body)
	return req
}

// CreateOptions строит OPTIONS (запрос capabilities)
func CreateOptions(p *Path, ep Endpoint) *sip.Request {
	req := newRequest(p, ep, sip.OPTIONS, p.CSeq())
	req.AppendHeader(ep.contact(-1, false))
	req.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	setBody(req, "", nil)
	return req
}

// CreateBye строит BYE внутри установленного диалога
func CreateBye(p *Path, ep Endpoint) *sip.Request {
	req := newRequest(p, ep, sip.BYE, p.CSeq())
	setBody(req, "", nil)
	return req
}

// CreateCancel строит CANCEL для сохраненного INVITE (RFC 3261 §9.1):
// тот же Request-URI, Call-ID, From, To (без тега), CSeq номер и верхний Via
func CreateCancel(p *Path) (*sip.Request, error) {
	invite := p.Invite()
	if invite == nil {
		return nil, ErrNoInvite
	}

	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		req.AppendHeader(&sip.ViaHeader{
			ProtocolName:    via.ProtocolName,
			ProtocolVersion: via.ProtocolVersion,
			Transport:       via.Transport,
			Host:            via.Host,
			Port:            via.Port,
			Params:          copyParams(via.Params),
		})
	}
	for _, name := range []string{"Route", "Max-Forwards"} {
		for _, h := range invite.GetHeaders(name) {
			req.AppendHeader(sip.NewHeader(h.Name(), h.Value()))
		}
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(&sip.FromHeader{DisplayName: from.DisplayName, Address: *from.Address.Clone(), Params: copyParams(from.Params)})
	}
	if to := invite.To(); to != nil {
		req.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: *to.Address.Clone(), Params: copyParams(to.Params)})
	}
	callID := sip.CallIDHeader(p.CallID())
	req.AppendHeader(&callID)
	seq := uint32(0)
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.CANCEL})
	setBody(req, "", nil)
	return req, nil
}

// CreateAck строит ACK для 2xx на INVITE (новая транзакция, CSeq номер INVITE)
func CreateAck(p *Path, ep Endpoint) (*sip.Request, error) {
	invite := p.Invite()
	if invite == nil {
		return nil, ErrNoInvite
	}
	seq := p.CSeq()
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	req := newRequest(p, ep, sip.ACK, seq)
	setBody(req, "", nil)
	return req, nil
}

// CreateResponse строит ответ на запрос. Для не-100 ответов тег To берется
// из запроса внутри диалога, иначе ставится localTag: случайный тег,
// который sipgo добавляет сам, заменяется, чтобы все ответы диалога совпадали.
func CreateResponse(req *sip.Request, code int, reason, localTag string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if code <= 100 {
		return res
	}
	to := res.To()
	if to == nil {
		return res
	}
	tag := localTag
	if reqTo := req.To(); reqTo != nil {
		if existing, ok := reqTo.Params.Get("tag"); ok && existing != "" {
			tag = existing
		}
	}
	if tag == "" {
		return res
	}
	params := copyParams(to.Params)
	params["tag"] = tag
	res.ReplaceHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: *to.Address.Clone(), Params: params})
	return res
}

func copyParams(src sip.HeaderParams) sip.HeaderParams {
	dst := make(sip.HeaderParams, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
