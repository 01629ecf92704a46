package storage

import (
	"sync"

	"advisor-backend/internal/model"
)

// MemoryStorage 进程内会话存储。会话跟随进程生命周期，
// 对话历史的持久化由托管端 thread 负责，这里不落盘。
type MemoryStorage struct {
	sessions map[string]*model.Session
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*model.Session),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) CreateSession(session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ThreadID]; exists {
		return ErrSessionExists
	}

	m.sessions[session.ThreadID] = session
	return nil
}

func (m *MemoryStorage) GetSession(threadID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[threadID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return session, nil
}

func (m *MemoryStorage) UpdateSession(session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ThreadID]; !exists {
		return ErrSessionNotFound
	}

	m.sessions[session.ThreadID] = session
	return nil
}

func (m *MemoryStorage) DeleteSession(threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[threadID]; !exists {
		return ErrSessionNotFound
	}

	delete(m.sessions, threadID)
	return nil
}

func (m *MemoryStorage) ListSessions() ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions, nil
}
