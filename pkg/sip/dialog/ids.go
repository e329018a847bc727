package dialog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// NewCallID генерирует Call-ID вида <uuid>@host
func NewCallID(host string) string {
	if host == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "@" + host
}

// NewTag генерирует случайный tag для From/To
func NewTag() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("dialog: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// NewBranch генерирует branch с magic cookie z9hG4bK
func NewBranch() string {
	return sip.GenerateBranch()
}

// NewInstanceID генерирует значение +sip.instance (RFC 5626 §4.1)
func NewInstanceID() string {
	return "<urn:uuid:" + uuid.NewString() + ">"
}
