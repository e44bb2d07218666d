package memory

import (
	"context"
	"sync"

	"tempmail/aliasmx/internal/storage"
)

// Store 使用内存保存状态，进程退出即丢失，主要用于测试和临时会话。
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{values: make(map[string]string)}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

func (s *Store) Health(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Len 返回键数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
