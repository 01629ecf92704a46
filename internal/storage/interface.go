package storage

import (
	"advisor-backend/internal/model"
)

type Storage interface {
	// 会话管理（以远端 thread ID 为键）
	CreateSession(session *model.Session) error
	GetSession(threadID string) (*model.Session, error)
	UpdateSession(session *model.Session) error
	DeleteSession(threadID string) error
	ListSessions() ([]*model.Session, error)

	Init() error
	Close() error
}
