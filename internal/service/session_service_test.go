package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"advisor-backend/internal/assistant"
	"advisor-backend/internal/config"
	"advisor-backend/internal/model"
)

type scriptedStream struct {
	events []assistant.Event
	err    error // 事件耗尽后的返回，nil 表示正常 EOF
	closed bool
}

func (s *scriptedStream) Recv() (assistant.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return assistant.Event{}, s.err
		}
		return assistant.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type createdMessage struct {
	threadID string
	content  string
	fileID   string
}

type fakeGateway struct {
	mu          sync.Mutex
	threadSeq   int
	messages    []createdMessage
	toolOutputs [][]model.ToolOutput
	streams     []*scriptedStream
	openErr     error
	openStream  func(ctx context.Context) (Stream, error)
}

func (g *fakeGateway) CreateThread(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threadSeq++
	return fmt.Sprintf("thread_%d", g.threadSeq), nil
}

func (g *fakeGateway) CreateUserMessage(ctx context.Context, threadID, content, fileID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.messages = append(g.messages, createdMessage{threadID: threadID, content: content, fileID: fileID})
	return nil
}

func (g *fakeGateway) popStream() (Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	if len(g.streams) == 0 {
		return &scriptedStream{}, nil
	}
	stream := g.streams[0]
	g.streams = g.streams[1:]
	return stream, nil
}

func (g *fakeGateway) StreamRun(ctx context.Context, threadID string) (Stream, error) {
	if g.openStream != nil {
		return g.openStream(ctx)
	}
	return g.popStream()
}

func (g *fakeGateway) StreamToolOutputs(ctx context.Context, threadID, runID string, outputs []model.ToolOutput) (Stream, error) {
	g.mu.Lock()
	g.toolOutputs = append(g.toolOutputs, outputs)
	g.mu.Unlock()
	return g.popStream()
}

func newTestService(t *testing.T, gateway *fakeGateway) *SessionService {
	t.Helper()
	return newTestServiceWithTimeout(t, gateway, time.Minute)
}

func newTestServiceWithTimeout(t *testing.T, gateway *fakeGateway, streamTimeout time.Duration) *SessionService {
	t.Helper()
	cfg := &config.Config{
		Session: config.SessionConfig{
			TTL:             time.Hour,
			CleanupInterval: time.Hour,
			StreamTimeout:   streamTimeout,
		},
	}
	return NewSessionService(gateway, cfg)
}

// stalledStream 不产出任何事件，直到 ctx 结束才以其错误返回，
// 模拟真实 HTTP 流在取消或超时后读取失败的行为
type stalledStream struct {
	ctx context.Context
}

func (s *stalledStream) Recv() (assistant.Event, error) {
	<-s.ctx.Done()
	return assistant.Event{}, s.ctx.Err()
}

func (s *stalledStream) Close() error { return nil }

func evCreated() assistant.Event {
	return assistant.Event{Type: assistant.EventTextCreated, Event: "thread.message.created"}
}

func evDelta(value string) assistant.Event {
	return assistant.Event{Type: assistant.EventTextDelta, Event: "thread.message.delta", Value: value}
}

func evRun(name, runID string) assistant.Event {
	return assistant.Event{Type: assistant.EventGeneric, Event: name, RunID: runID}
}

// drain 消费两个通道直到关闭，返回收到的事件和第一个错误
func drain(t *testing.T, events <-chan assistant.Event, errs <-chan error) ([]assistant.Event, error) {
	t.Helper()
	var got []assistant.Event
	var first error
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			got = append(got, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if first == nil {
				first = err
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out draining turn channels")
		}
	}
	return got, first
}

func TestSubmitTextStreamsReply(t *testing.T) {
	gateway := &fakeGateway{streams: []*scriptedStream{{
		events: []assistant.Event{
			evCreated(),
			evDelta("Hi"),
			evDelta(" there"),
			evDelta("!"),
			evRun(assistant.RunCompleted, "run_1"),
		},
	}}}
	svc := newTestService(t, gateway)

	session, err := svc.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "Hello")
	got, streamErr := drain(t, events, errs)
	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 forwarded events, got %d", len(got))
	}

	transcript, err := svc.Transcript(session.ThreadID)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(transcript.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(transcript.Messages))
	}
	if transcript.Messages[0].Role != model.RoleUser || transcript.Messages[0].Text != "Hello" {
		t.Fatalf("unexpected user message: %+v", transcript.Messages[0])
	}
	if transcript.Messages[1].Role != model.RoleAssistant || transcript.Messages[1].Text != "Hi there!" {
		t.Fatalf("deltas must concatenate in order, got %+v", transcript.Messages[1])
	}
	if transcript.InputLocked || transcript.Responding {
		t.Fatalf("run completion must release the input lock")
	}

	if len(gateway.messages) != 1 || gateway.messages[0].content != "Hello" || gateway.messages[0].fileID != "" {
		t.Fatalf("unexpected upstream message: %+v", gateway.messages)
	}
}

func TestDeltasOnlyMutateOpenMessage(t *testing.T) {
	gateway := &fakeGateway{streams: []*scriptedStream{{
		events: []assistant.Event{
			evCreated(),
			evDelta("first"),
			evCreated(),
			evDelta("second"),
			evRun(assistant.RunCompleted, "run_1"),
		},
	}}}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "go")
	if _, err := drain(t, events, errs); err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if len(transcript.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(transcript.Messages))
	}
	if transcript.Messages[1].Text != "first" {
		t.Fatalf("closed message must not receive later deltas, got %q", transcript.Messages[1].Text)
	}
	if transcript.Messages[2].Text != "second" {
		t.Fatalf("open message must receive deltas, got %q", transcript.Messages[2].Text)
	}
}

func TestSubmitTextRejectedWhileLocked(t *testing.T) {
	gateway := &fakeGateway{}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())

	stored, err := svc.storage.GetSession(session.ThreadID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	stored.InputLocked = true

	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "Hello")
	_, streamErr := drain(t, events, errs)
	if !errors.Is(streamErr, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", streamErr)
	}

	if len(stored.Messages) != 0 {
		t.Fatalf("rejected submit must not touch the transcript")
	}
	if len(gateway.messages) != 0 {
		t.Fatalf("rejected submit must not reach the upstream")
	}
}

func TestStreamEndWithoutCompletionReleasesLock(t *testing.T) {
	gateway := &fakeGateway{streams: []*scriptedStream{{
		events: []assistant.Event{evCreated(), evDelta("partial")},
	}}}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "Hello")
	_, streamErr := drain(t, events, errs)
	if !errors.Is(streamErr, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", streamErr)
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if transcript.InputLocked || transcript.Responding {
		t.Fatalf("broken stream must release the input lock")
	}
}

func TestMidStreamErrorReleasesLock(t *testing.T) {
	gateway := &fakeGateway{streams: []*scriptedStream{{
		events: []assistant.Event{evCreated(), evDelta("par")},
		err:    errors.New("connection reset"),
	}}}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "Hello")
	_, streamErr := drain(t, events, errs)
	if streamErr == nil || streamErr.Error() != "connection reset" {
		t.Fatalf("expected receive error to surface, got %v", streamErr)
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if transcript.InputLocked || transcript.Responding {
		t.Fatalf("receive error must release the input lock")
	}
}

func TestStallTimeoutReleasesLock(t *testing.T) {
	gateway := &fakeGateway{
		openStream: func(ctx context.Context) (Stream, error) {
			return &stalledStream{ctx: ctx}, nil
		},
	}
	svc := newTestServiceWithTimeout(t, gateway, 50*time.Millisecond)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "Hello")
	_, streamErr := drain(t, events, errs)
	if !errors.Is(streamErr, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error from stalled stream, got %v", streamErr)
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if transcript.InputLocked || transcript.Responding {
		t.Fatalf("stall timeout must release the input lock")
	}
}

func TestFailedRunReleasesLockWithoutExtraError(t *testing.T) {
	gateway := &fakeGateway{streams: []*scriptedStream{{
		events: []assistant.Event{evRun(assistant.RunFailed, "run_1")},
	}}}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "Hello")
	got, streamErr := drain(t, events, errs)
	if streamErr != nil {
		t.Fatalf("terminal run event already ends the turn, got extra error %v", streamErr)
	}
	if len(got) != 1 || got[0].Event != assistant.RunFailed {
		t.Fatalf("failed run event must still be forwarded, got %+v", got)
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if transcript.InputLocked || transcript.Responding {
		t.Fatalf("failed run must release the input lock")
	}
}

func TestStreamOpenFailureReleasesLock(t *testing.T) {
	gateway := &fakeGateway{openErr: errors.New("upstream unavailable")}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "Hello")
	_, streamErr := drain(t, events, errs)
	if streamErr == nil {
		t.Fatalf("expected stream open error")
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if transcript.InputLocked {
		t.Fatalf("failed stream open must release the input lock")
	}
}

func TestRequiresActionKeepsLockUntilContinuation(t *testing.T) {
	gateway := &fakeGateway{streams: []*scriptedStream{
		{events: []assistant.Event{evRun(assistant.RunRequiresAction, "run_1")}},
		{events: []assistant.Event{
			evCreated(),
			evDelta("42"),
			evRun(assistant.RunCompleted, "run_1"),
		}},
	}}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "compute")
	if _, err := drain(t, events, errs); err != nil {
		t.Fatalf("unexpected error for paused run: %v", err)
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if !transcript.InputLocked {
		t.Fatalf("paused run must keep the input locked")
	}

	raw := json.RawMessage(`{"tool_call_id":"a","output":{"x":1}}`)
	events, errs = svc.SubmitToolOutputs(context.Background(), session.ThreadID, "run_1", raw)
	if _, err := drain(t, events, errs); err != nil {
		t.Fatalf("unexpected continuation error: %v", err)
	}

	if len(gateway.toolOutputs) != 1 {
		t.Fatalf("expected one tool-output submission, got %d", len(gateway.toolOutputs))
	}
	want := model.ToolOutput{ToolCallID: "a", Output: `{"x":1}`}
	if gateway.toolOutputs[0][0] != want {
		t.Fatalf("unexpected normalized outputs: %+v", gateway.toolOutputs[0])
	}

	transcript, _ = svc.Transcript(session.ThreadID)
	if transcript.InputLocked {
		t.Fatalf("continuation completion must release the input lock")
	}
	last := transcript.Messages[len(transcript.Messages)-1]
	if last.Role != model.RoleAssistant || last.Text != "42" {
		t.Fatalf("unexpected final message: %+v", last)
	}
}

func TestSubmitFileRecordsSyntheticMessage(t *testing.T) {
	gateway := &fakeGateway{streams: []*scriptedStream{{
		events: []assistant.Event{
			evCreated(),
			evDelta("Looking at your file."),
			evRun(assistant.RunCompleted, "run_1"),
		},
	}}}
	svc := newTestService(t, gateway)

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitFile(context.Background(), session.ThreadID, "file_abc")
	if _, err := drain(t, events, errs); err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	transcript, _ := svc.Transcript(session.ThreadID)
	if transcript.Messages[0].Text != "📎 Uploaded file — file_abc" {
		t.Fatalf("unexpected synthetic message: %q", transcript.Messages[0].Text)
	}
	if len(gateway.messages) != 1 || gateway.messages[0].fileID != "file_abc" || gateway.messages[0].content != "" {
		t.Fatalf("unexpected upstream message: %+v", gateway.messages)
	}
}

func TestSubmitTextRejectsEmptyContent(t *testing.T) {
	svc := newTestService(t, &fakeGateway{})

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitText(context.Background(), session.ThreadID, "   ")
	_, streamErr := drain(t, events, errs)
	if !errors.Is(streamErr, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", streamErr)
	}
}

func TestSubmitToolOutputsRejectsMissingRunID(t *testing.T) {
	svc := newTestService(t, &fakeGateway{})

	session, _ := svc.CreateSession(context.Background())
	events, errs := svc.SubmitToolOutputs(context.Background(), session.ThreadID, "", json.RawMessage(`{"tool_call_id":"a"}`))
	_, streamErr := drain(t, events, errs)
	if !errors.Is(streamErr, ErrEmptyRunID) {
		t.Fatalf("expected ErrEmptyRunID, got %v", streamErr)
	}
}
