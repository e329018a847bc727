package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/icholy/digest"
)

var (
	// ErrNoChallenge возвращается, когда realm или nonce ещё не получены от сервера.
	// Вызывающая сторона в этом случае не добавляет заголовок Authorization.
	ErrNoChallenge = errors.New("auth: no digest challenge")
)

// DigestAgent хранит состояние HTTP Digest аутентификации (RFC 2617 / RFC 3261 §22).
//
// Агент не выполняет сетевого ввода-вывода. Состояние меняется только:
//   - при чтении заголовка WWW-Authenticate / Proxy-Authenticate (ReadChallenge)
//   - при чтении Authentication-Info из 200 OK (ReadAuthenticationInfo)
//   - при UpdateNonceParameters перед повторным использованием nonce
//
// Все методы thread-safe.
type DigestAgent struct {
	mu sync.Mutex

	realm     string
	nonce     string
	nextNonce string
	opaque    string
	algorithm string
	qop       []string

	cnonce     string
	nonceCount int
}

// NewDigestAgent создает агент без challenge
func NewDigestAgent() *DigestAgent {
	return &DigestAgent{}
}

// ReadChallenge разбирает значение заголовка WWW-Authenticate или Proxy-Authenticate.
// При смене nonce счетчик nc сбрасывается.
func (a *DigestAgent) ReadChallenge(value string) error {
	chal, err := digest.ParseChallenge(value)
	if err != nil {
		return fmt.Errorf("auth: parse challenge %q: %w", value, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if chal.Nonce != a.nonce {
		a.nonceCount = 0
	}
	a.realm = chal.Realm
	a.nonce = chal.Nonce
	a.opaque = chal.Opaque
	a.algorithm = chal.Algorithm
	a.qop = append([]string(nil), chal.QOP...)
	a.nextNonce = ""
	return nil
}

// ReadAuthenticationInfo сохраняет nextnonce из заголовка Authentication-Info.
// Новый nonce вступает в силу при следующем UpdateNonceParameters.
func (a *DigestAgent) ReadAuthenticationInfo(value string) {
	params := parseParams(value)
	next, ok := params["nextnonce"]
	if !ok || next == "" {
		return
	}

	a.mu.Lock()
	a.nextNonce = next
	a.mu.Unlock()
}

// UpdateNonceParameters генерирует новый cnonce и увеличивает nonce-count.
// Вызывается перед каждым повторным использованием закешированного nonce (RFC 2617 §3.2.2).
func (a *DigestAgent) UpdateNonceParameters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateNonceParametersLocked()
}

func (a *DigestAgent) updateNonceParametersLocked() {
	if a.nextNonce != "" {
		a.nonce = a.nextNonce
		a.nextNonce = ""
		a.nonceCount = 0
	}
	a.cnonce = newCnonce()
	a.nonceCount++
}

// ComputeResponse вычисляет значение response для заданного nc.
// Чистая функция над текущим состоянием challenge.
func (a *DigestAgent) ComputeResponse(username, password, method, uri string, nonceCount int, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cred, err := a.credentialsLocked(username, password, method, uri, nonceCount, body)
	if err != nil {
		return "", err
	}
	return cred.Response, nil
}

// AuthorizationValue строит полное значение заголовка Authorization
// с текущими cnonce и nc.
func (a *DigestAgent) AuthorizationValue(username, password, method, uri string, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cred, err := a.credentialsLocked(username, password, method, uri, a.nonceCount, body)
	if err != nil {
		return "", err
	}
	return cred.String(), nil
}

// NextAuthorization атомарно выполняет UpdateNonceParameters и AuthorizationValue,
// чтобы параллельные запросы не получили одинаковый nc.
func (a *DigestAgent) NextAuthorization(username, password, method, uri string, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasChallengeLocked() {
		return "", ErrNoChallenge
	}
	a.updateNonceParametersLocked()
	cred, err := a.credentialsLocked(username, password, method, uri, a.nonceCount, body)
	if err != nil {
		return "", err
	}
	return cred.String(), nil
}

func (a *DigestAgent) credentialsLocked(username, password, method, uri string, nonceCount int, body []byte) (*digest.Credentials, error) {
	if !a.hasChallengeLocked() {
		return nil, ErrNoChallenge
	}

	chal := &digest.Challenge{
		Realm:     a.realm,
		Nonce:     a.nonce,
		Opaque:    a.opaque,
		Algorithm: a.algorithm,
		QOP:       a.qop,
	}
	opts := digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
		Count:    nonceCount,
		Cnonce:   a.cnonce,
	}
	if body != nil {
		opts.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("auth: compute digest: %w", err)
	}
	return cred, nil
}

// HasChallenge сообщает, есть ли realm и nonce
func (a *DigestAgent) HasChallenge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hasChallengeLocked()
}

func (a *DigestAgent) hasChallengeLocked() bool {
	return a.realm != "" && a.nonce != ""
}

// Realm возвращает текущий realm
func (a *DigestAgent) Realm() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realm
}

// Nonce возвращает текущий nonce
func (a *DigestAgent) Nonce() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}

// NextNonce возвращает nextnonce, ожидающий применения
func (a *DigestAgent) NextNonce() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextNonce
}

// NonceCount возвращает текущее значение nc
func (a *DigestAgent) NonceCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonceCount
}

// Cnonce возвращает текущий client nonce
func (a *DigestAgent) Cnonce() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cnonce
}

// Reset забывает challenge (например, после снятия регистрации)
func (a *DigestAgent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realm, a.nonce, a.nextNonce, a.opaque, a.algorithm = "", "", "", "", ""
	a.qop = nil
	a.cnonce = ""
	a.nonceCount = 0
}

func newCnonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// parseParams разбирает список вида key="value", key=value
func parseParams(value string) map[string]string {
	params := make(map[string]string)
	for _, part := range splitQuoted(value) {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return params
}

// splitQuoted делит строку по запятым вне кавычек
func splitQuoted(s string) []string {
	var (
		parts  []string
		quoted bool
		start  int
	)
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
