package syncagent

import (
	"maps"
	"slices"
	"sync"
)

// handlerSet holds typed subscribers keyed by registration order.
type handlerSet[T any] struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(T)
}

func (s *handlerSet[T]) add(handler func(T)) func() {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	if s.handlers == nil {
		s.handlers = make(map[int]func(T))
	}
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

func (s *handlerSet[T]) emit(value T) {
	s.mu.RLock()
	snapshot := maps.Clone(s.handlers)
	s.mu.RUnlock()

	for _, id := range slices.Sorted(maps.Keys(snapshot)) {
		snapshot[id](value)
	}
}

func (s *handlerSet[T]) clear() {
	s.mu.Lock()
	s.handlers = nil
	s.mu.Unlock()
}

func (s *handlerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}
