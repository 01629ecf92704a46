package handler

import (
	"context"
	"encoding/json"
	"io"

	"advisor-backend/internal/assistant"
	"advisor-backend/internal/config"
	"advisor-backend/internal/model"
)

// SessionController 流式会话控制器接口，由 service.SessionService 实现
type SessionController interface {
	CreateSession(ctx context.Context) (*model.Session, error)
	Transcript(threadID string) (*model.TranscriptResponse, error)
	SubmitText(ctx context.Context, threadID, content string) (<-chan assistant.Event, <-chan error)
	SubmitFile(ctx context.Context, threadID, fileID string) (<-chan assistant.Event, <-chan error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, raw json.RawMessage) (<-chan assistant.Event, <-chan error)
}

// FileRelay 托管文件存储的中转接口，由 assistant.Client 实现
type FileRelay interface {
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	DownloadFile(ctx context.Context, fileID string) (string, []byte, error)
}

// Transcriber 语音转写接口，由 assistant.Client 实现
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, reader io.Reader) (string, error)
}

// Recorder 录音状态机接口，由 service.RecorderService 实现
type Recorder interface {
	Start() string
	Append(id string, chunk []byte) error
	Cancel(id string) error
	Finish(ctx context.Context, id string) (string, error)
}

type Handler struct {
	cfg         *config.Config
	sessions    SessionController
	files       FileRelay
	transcriber Transcriber
	recorder    Recorder
}

func New(cfg *config.Config, sessions SessionController, files FileRelay, transcriber Transcriber, recorder Recorder) *Handler {
	return &Handler{
		cfg:         cfg,
		sessions:    sessions,
		files:       files,
		transcriber: transcriber,
		recorder:    recorder,
	}
}
