package service

import "sync"

// Registry реестр сессий сервиса по ключу (call-ID, контакт, chat-ID, ID передачи файла).
//
// Все изменения и проверка емкости выполняются под одной блокировкой.
// Удаление отложено через Remover.
type Registry[K comparable] struct {
	mu       sync.Mutex
	items    map[K]Session
	remover  *Remover
	onChange func(size int)
}

// NewRegistry создает реестр. Без remover удаление выполняется сразу.
func NewRegistry[K comparable](remover *Remover) *Registry[K] {
	return &Registry[K]{items: make(map[K]Session), remover: remover}
}

// OnChange задает обработчик изменения размера (метрики)
func (r *Registry[K]) OnChange(fn func(size int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Add добавляет или заменяет сессию по ключу
func (r *Registry[K]) Add(key K, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = s
	r.changedLocked()
}

// AddIfAvailable добавляет сессию, если реестр не заполнен (limit 0 - без ограничения).
// Замена существующего ключа размер не увеличивает и разрешена всегда.
func (r *Registry[K]) AddIfAvailable(key K, s Session, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[key]; !exists && !available(len(r.items), limit) {
		return false
	}
	r.items[key] = s
	r.changedLocked()
	return true
}

// Remove планирует удаление. Запись удаляется, только если ключ
// к моменту удаления все еще указывает на s.
func (r *Registry[K]) Remove(key K, s Session) {
	if r.remover == nil {
		r.RemoveNow(key, s)
		return
	}
	r.remover.Schedule(func() { r.RemoveNow(key, s) })
}

// RemoveNow удаляет запись немедленно
func (r *Registry[K]) RemoveNow(key K, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.items[key]; ok && (s == nil || cur == s) {
		delete(r.items, key)
		r.changedLocked()
	}
}

// Get возвращает сессию по ключу
func (r *Registry[K]) Get(key K) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[key]
	return s, ok
}

// Size число сессий
func (r *Registry[K]) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// IsAvailable сообщает, можно ли добавить новую сессию (limit 0 - без ограничения)
func (r *Registry[K]) IsAvailable(limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return available(len(r.items), limit)
}

// Each вызывает fn для каждой сессии под блокировкой реестра.
// fn не должен обращаться к реестру, в том числе через Remove:
// для действий, меняющих реестр, нужен снимок.
func (r *Registry[K]) Each(fn func(key K, s Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.items {
		fn(k, s)
	}
}

// WithLock выполняет составную операцию над содержимым под блокировкой реестра
func (r *Registry[K]) WithLock(fn func(items map[K]Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.items)
	fn(r.items)
	if len(r.items) != before {
		r.changedLocked()
	}
}

func (r *Registry[K]) changedLocked() {
	if r.onChange != nil {
		r.onChange(len(r.items))
	}
}

func available(size, limit int) bool {
	return limit <= 0 || size < limit
}
