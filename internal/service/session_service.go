package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"advisor-backend/internal/assistant"
	"advisor-backend/internal/config"
	"advisor-backend/internal/model"
	"advisor-backend/internal/storage"
	"advisor-backend/pkg/logger"

	"github.com/google/uuid"
)

// Stream 一次 run 的事件流，Recv 在流正常结束时返回 io.EOF
type Stream interface {
	Recv() (assistant.Event, error)
	Close() error
}

// Gateway 托管助手 API 的上游接口，测试时可替换
type Gateway interface {
	CreateThread(ctx context.Context) (string, error)
	CreateUserMessage(ctx context.Context, threadID, content, fileID string) error
	StreamRun(ctx context.Context, threadID string) (Stream, error)
	StreamToolOutputs(ctx context.Context, threadID, runID string, outputs []model.ToolOutput) (Stream, error)
}

// gatewayClient 把具体客户端适配成 Gateway（流方法的返回类型需要收窄成接口）
type gatewayClient struct {
	*assistant.Client
}

func (g gatewayClient) StreamRun(ctx context.Context, threadID string) (Stream, error) {
	return g.Client.StreamRun(ctx, threadID)
}

func (g gatewayClient) StreamToolOutputs(ctx context.Context, threadID, runID string, outputs []model.ToolOutput) (Stream, error) {
	return g.Client.StreamToolOutputs(ctx, threadID, runID, outputs)
}

func NewGateway(client *assistant.Client) Gateway {
	return gatewayClient{client}
}

var (
	ErrTurnInFlight = errors.New("a turn is already in flight")
	ErrEmptyMessage = errors.New("message text is required")
	ErrEmptyFileID  = errors.New("file id is required")
	ErrEmptyRunID   = errors.New("runId is required")
	// ErrStreamEnded 流在 run 完成前断开。发生时会话锁已被释放。
	ErrStreamEnded = errors.New("run stream ended before completion")
)

// SessionService 流式会话控制器。每个会话同一时刻只有一个回合在途，
// 由 InputLocked 标志保证；转写的应用顺序与事件到达顺序一致。
type SessionService struct {
	storage storage.Storage
	gateway Gateway
	cfg     config.SessionConfig
	mu      sync.Mutex // 守护所有会话的状态迁移
}

func NewSessionService(gateway Gateway, cfg *config.Config) *SessionService {
	store := storage.NewMemoryStorage()
	if err := store.Init(); err != nil {
		logger.Errorf("Failed to initialize storage: %v", err)
	}

	s := &SessionService{
		storage: store,
		gateway: gateway,
		cfg:     cfg.Session,
	}

	go s.cleanupIdleSessions()

	return s
}

// CreateSession 创建远端线程并在本地登记会话，每次页面加载调用一次
func (s *SessionService) CreateSession(ctx context.Context) (*model.Session, error) {
	threadID, err := s.gateway.CreateThread(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &model.Session{
		ThreadID:  threadID,
		Messages:  make([]model.Message, 0),
		Open:      model.NoOpenMessage,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.storage.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Transcript 返回会话转写的快照
func (s *SessionService) Transcript(threadID string) (*model.TranscriptResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.storage.GetSession(threadID)
	if err != nil {
		return nil, err
	}

	messages := make([]model.Message, len(session.Messages))
	copy(messages, session.Messages)

	return &model.TranscriptResponse{
		ThreadID:    session.ThreadID,
		Messages:    messages,
		Responding:  session.Responding,
		InputLocked: session.InputLocked,
	}, nil
}

// SubmitText 提交一条文字消息并发起流式 run
func (s *SessionService) SubmitText(ctx context.Context, threadID, content string) (<-chan assistant.Event, <-chan error) {
	events := make(chan assistant.Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if strings.TrimSpace(content) == "" {
			errs <- ErrEmptyMessage
			return
		}

		session, err := s.beginTurn(threadID, content)
		if err != nil {
			errs <- err
			return
		}

		s.runTurn(ctx, session, events, errs, func(ctx context.Context) (Stream, error) {
			if err := s.gateway.CreateUserMessage(ctx, threadID, content, ""); err != nil {
				return nil, err
			}
			return s.gateway.StreamRun(ctx, threadID)
		})
	}()

	return events, errs
}

// SubmitFile 以附件形式提交已上传的文件并发起流式 run。
// 转写里记一条合成的用户消息，与原始消息内容（空文本 + 附件）区分开。
func (s *SessionService) SubmitFile(ctx context.Context, threadID, fileID string) (<-chan assistant.Event, <-chan error) {
	events := make(chan assistant.Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if fileID == "" {
			errs <- ErrEmptyFileID
			return
		}

		session, err := s.beginTurn(threadID, "📎 Uploaded file — "+fileID)
		if err != nil {
			errs <- err
			return
		}

		s.runTurn(ctx, session, events, errs, func(ctx context.Context) (Stream, error) {
			if err := s.gateway.CreateUserMessage(ctx, threadID, "", fileID); err != nil {
				return nil, err
			}
			return s.gateway.StreamRun(ctx, threadID)
		})
	}()

	return events, errs
}

// SubmitToolOutputs 归一化工具输出并恢复暂停的 run。
// 这是同一回合的延续，不检查输入锁，也不追加用户消息。
func (s *SessionService) SubmitToolOutputs(ctx context.Context, threadID, runID string, raw json.RawMessage) (<-chan assistant.Event, <-chan error) {
	events := make(chan assistant.Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if runID == "" {
			errs <- ErrEmptyRunID
			return
		}

		outputs, err := model.NormalizeToolOutputs(raw)
		if err != nil {
			errs <- err
			return
		}

		session, err := s.resumeTurn(threadID)
		if err != nil {
			errs <- err
			return
		}

		s.runTurn(ctx, session, events, errs, func(ctx context.Context) (Stream, error) {
			return s.gateway.StreamToolOutputs(ctx, threadID, runID, outputs)
		})
	}()

	return events, errs
}

// beginTurn 校验输入锁、追加用户消息并锁定会话
func (s *SessionService) beginTurn(threadID, userText string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.storage.GetSession(threadID)
	if err != nil {
		return nil, err
	}

	if session.InputLocked {
		return nil, ErrTurnInFlight
	}

	now := time.Now()
	session.Messages = append(session.Messages, model.Message{
		ID:        uuid.New().String(),
		Role:      model.RoleUser,
		Text:      userText,
		Timestamp: now,
	})
	session.Open = model.NoOpenMessage
	session.InputLocked = true
	session.Responding = true
	session.UpdatedAt = now

	if err := s.storage.UpdateSession(session); err != nil {
		return nil, err
	}

	return session, nil
}

// resumeTurn 工具输出延续暂停的 run，锁保持原样（通常已经是锁定状态）
func (s *SessionService) resumeTurn(threadID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.storage.GetSession(threadID)
	if err != nil {
		return nil, err
	}

	session.InputLocked = true
	session.Responding = true
	session.UpdatedAt = time.Now()

	return session, nil
}

// runTurn 打开事件流、按到达顺序应用事件并向调用方转发。
// 解锁严格以 run 完成事件为准；流断开、出错或超时都会释放锁并上报，
// 避免界面永远锁死。
func (s *SessionService) runTurn(ctx context.Context, session *model.Session, events chan<- assistant.Event, errs chan<- error, open func(context.Context) (Stream, error)) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StreamTimeout)
	defer cancel()

	stream, err := open(ctx)
	if err != nil {
		s.releaseTurn(session)
		errs <- err
		return
	}
	defer stream.Close()

	completed := false
	paused := false
	released := false

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			if !completed && !paused && !released {
				s.releaseTurn(session)
				errs <- ErrStreamEnded
			}
			return
		}
		if err != nil {
			s.releaseTurn(session)
			errs <- err
			return
		}

		s.applyEvent(session, ev)

		if ev.Type == assistant.EventGeneric {
			logger.Debugf("run 事件: %s (thread=%s)", ev.Event, session.ThreadID)
		}

		switch ev.Event {
		case assistant.RunCompleted:
			completed = true
		case assistant.RunRequiresAction:
			// run 暂停等待工具输出，锁保持到延续回合完成
			paused = true
		case assistant.RunFailed, assistant.RunCancelled, assistant.RunExpired:
			logger.Warnf("run 异常结束: %s (thread=%s)", ev.Event, session.ThreadID)
			s.releaseTurn(session)
			// 终止事件已经放锁，随后的 EOF 不再补报错误
			released = true
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			s.releaseTurn(session)
			errs <- ctx.Err()
			return
		}
	}
}

// applyEvent 把单个流事件落到转写上。不变式：最多一条展开消息，且总在末尾。
func (s *SessionService) applyEvent(session *model.Session, ev assistant.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case assistant.EventTextCreated:
		session.Messages = append(session.Messages, model.Message{
			ID:        uuid.New().String(),
			Role:      model.RoleAssistant,
			Timestamp: time.Now(),
		})
		session.Open = len(session.Messages) - 1
	case assistant.EventTextDelta:
		if ev.Value == "" || session.Open == model.NoOpenMessage {
			return
		}
		session.Messages[session.Open].Text += ev.Value
	case assistant.EventGeneric:
		if ev.Event == assistant.RunCompleted {
			session.InputLocked = false
			session.Responding = false
			session.Open = model.NoOpenMessage
		}
	}

	session.UpdatedAt = time.Now()
}

func (s *SessionService) releaseTurn(session *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session.InputLocked = false
	session.Responding = false
	session.Open = model.NoOpenMessage
	session.UpdatedAt = time.Now()
}

func (s *SessionService) cleanupIdleSessions() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		sessions, err := s.storage.ListSessions()
		if err != nil {
			logger.Errorf("Failed to list sessions for cleanup: %v", err)
			continue
		}

		cutoff := time.Now().Add(-s.cfg.TTL)
		for _, session := range sessions {
			if session.UpdatedAt.Before(cutoff) {
				if err := s.storage.DeleteSession(session.ThreadID); err != nil {
					logger.Errorf("Failed to delete expired session %s: %v", session.ThreadID, err)
				} else {
					logger.Infof("清理过期会话: %s", session.ThreadID)
				}
			}
		}
	}
}
