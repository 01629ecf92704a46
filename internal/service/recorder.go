package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Transcriber 语音转写的上游接口
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, reader io.Reader) (string, error)
}

var (
	ErrRecordingNotFound = errors.New("recording not found")
	ErrRecordingBusy     = errors.New("recording is being processed")
	ErrEmptyRecording    = errors.New("recording has no audio")
)

type recordingState int

const (
	recStateRecording recordingState = iota
	recStateProcessing
)

// recording 一段进行中的录音：累积的音频块在定稿或取消时一次性丢弃
type recording struct {
	state recordingState
	buf   bytes.Buffer
}

// RecorderService 录音状态机：idle → recording → processing → idle。
// 取消丢弃缓冲且不发起网络调用；定稿把整段音频交给转写，
// 无论成功失败录音都会被释放。
type RecorderService struct {
	transcriber Transcriber
	mu          sync.Mutex
	recordings  map[string]*recording
}

func NewRecorderService(transcriber Transcriber) *RecorderService {
	return &RecorderService{
		transcriber: transcriber,
		recordings:  make(map[string]*recording),
	}
}

// Start 开始一段新录音，返回录音标识
func (r *RecorderService) Start() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	r.recordings[id] = &recording{state: recStateRecording}
	return id
}

// Append 追加一块音频，只在录音中状态有效
func (r *RecorderService) Append(id string, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.recordings[id]
	if !exists {
		return ErrRecordingNotFound
	}
	if rec.state != recStateRecording {
		return ErrRecordingBusy
	}

	rec.buf.Write(chunk)
	return nil
}

// Cancel 丢弃缓冲的音频，不发起任何网络调用
func (r *RecorderService) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.recordings[id]
	if !exists {
		return ErrRecordingNotFound
	}
	if rec.state != recStateRecording {
		return ErrRecordingBusy
	}

	delete(r.recordings, id)
	return nil
}

// Finish 定稿录音并提交转写。无论转写结果如何录音都被释放。
func (r *RecorderService) Finish(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	rec, exists := r.recordings[id]
	if !exists {
		r.mu.Unlock()
		return "", ErrRecordingNotFound
	}
	if rec.state != recStateRecording {
		r.mu.Unlock()
		return "", ErrRecordingBusy
	}
	rec.state = recStateProcessing
	clip := rec.buf.Bytes()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.recordings, id)
		r.mu.Unlock()
	}()

	if len(clip) == 0 {
		return "", ErrEmptyRecording
	}

	return r.transcriber.Transcribe(ctx, "voice-input.webm", bytes.NewReader(clip))
}
