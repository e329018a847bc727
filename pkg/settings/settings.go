// Package settings хранит параметры клиента, которые должны переживать перезапуск:
// +sip.instance, последний публичный GRUU, время последней регистрации.
package settings

import (
	"context"
	"errors"
	"sync"
)

// Ключи настроек стека
const (
	KeyInstanceID       = "sip.instance_id"
	KeyPublicGRUU       = "sip.pub_gruu"
	KeyTemporaryGRUU    = "sip.temp_gruu"
	KeyLastRegistration = "sip.last_registration"
)

// ErrClosed возвращается при обращении к закрытому хранилищу
var ErrClosed = errors.New("settings store closed")

// Store key-value хранилище настроек
type Store interface {
	// Get возвращает значение; ok=false если ключ отсутствует
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryStore хранилище в памяти, используется в тестах и без sqlite пути
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
