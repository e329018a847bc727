package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// SessionAgent подписывает запросы внутри диалогов (INVITE, MESSAGE, BYE ...).
//
// Ведутся два независимых digest контекста:
//   - proxy: challenge, полученный в 401/407 посреди диалога
//   - register: nonce регистрации, переиспользуемый без лишнего round-trip
//
// Ответ на 407 подписывается Proxy-Authorization, на 401 - Authorization.
//
// Если nonce регистрации еще нет, подпись не выполняется и запрос уходит
// без учетных данных (ожидается 401/407).
type SessionAgent struct {
	username string
	password string

	proxy    *DigestAgent
	register *DigestAgent

	mu sync.Mutex
	// challengeHeader заголовок ответа на последний challenge proxy контекста
	challengeHeader string
}

// NewSessionAgent создает агент, разделяющий digest контекст с менеджером регистрации
func NewSessionAgent(username, password string, register *DigestAgent) *SessionAgent {
	if register == nil {
		register = NewDigestAgent()
	}
	return &SessionAgent{
		username: username,
		password: password,
		proxy:           NewDigestAgent(),
		register:        register,
		challengeHeader: "Proxy-Authorization",
	}
}

type challengeHeaders struct {
	challenge     string
	authorization string
}

var (
	proxyChallenge  = challengeHeaders{"Proxy-Authenticate", "Proxy-Authorization"}
	serverChallenge = challengeHeaders{"WWW-Authenticate", "Authorization"}
)

// ReadProxyChallenge читает challenge из 407 (Proxy-Authenticate) или
// 401 (WWW-Authenticate) и запоминает, каким заголовком на него отвечать
func (s *SessionAgent) ReadProxyChallenge(res *sip.Response) error {
	order := []challengeHeaders{proxyChallenge, serverChallenge}
	if res.StatusCode == 401 {
		order = []challengeHeaders{serverChallenge, proxyChallenge}
	}
	for _, hdr := range order {
		h := res.GetHeader(hdr.challenge)
		if h == nil {
			continue
		}
		if err := s.proxy.ReadChallenge(h.Value()); err != nil {
			return err
		}
		s.mu.Lock()
		s.challengeHeader = hdr.authorization
		s.mu.Unlock()
		return nil
	}
	return ErrNoChallenge
}

// SetProxyAuthorization подписывает запрос по proxy контексту заголовком,
// соответствующим последнему challenge (Proxy-Authorization или Authorization).
// Без challenge ничего не делает.
func (s *SessionAgent) SetProxyAuthorization(req *sip.Request) error {
	s.mu.Lock()
	header := s.challengeHeader
	s.mu.Unlock()
	return s.sign(req, s.proxy, header)
}

// SetAuthorizationFromRegister добавляет Authorization, переиспользуя nonce регистрации
func (s *SessionAgent) SetAuthorizationFromRegister(req *sip.Request) error {
	return s.sign(req, s.register, "Authorization")
}

func (s *SessionAgent) sign(req *sip.Request, agent *DigestAgent, header string) error {
	value, err := agent.NextAuthorization(s.username, s.password, req.Method.String(), req.Recipient.String(), req.Body())
	if errors.Is(err, ErrNoChallenge) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("auth: sign %s: %w", req.Method, err)
	}

	req.RemoveHeader(header)
	req.AppendHeader(sip.NewHeader(header, value))
	return nil
}

// ProxyAgent возвращает proxy контекст
func (s *SessionAgent) ProxyAgent() *DigestAgent { return s.proxy }

// RegisterAgent возвращает контекст регистрации
func (s *SessionAgent) RegisterAgent() *DigestAgent { return s.register }
