package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"advisor-backend/internal/model"
)

type EventType string

const (
	// EventTextCreated 助手开始一条新的回复消息
	EventTextCreated EventType = "text_created"
	// EventTextDelta 回复文本的增量片段
	EventTextDelta EventType = "text_delta"
	// EventGeneric 其余事件原样透传，由下游按 Event 名判断
	EventGeneric EventType = "event"
)

// run 生命周期事件名，与托管端的命名保持一致
const (
	RunCompleted      = "thread.run.completed"
	RunRequiresAction = "thread.run.requires_action"
	RunFailed         = "thread.run.failed"
	RunCancelled      = "thread.run.cancelled"
	RunExpired        = "thread.run.expired"
)

type Event struct {
	Type  EventType       `json:"type"`
	Event string          `json:"event,omitempty"`
	Value string          `json:"value,omitempty"`
	RunID string          `json:"run_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RunStream 一次 run 的事件流。Recv 按到达顺序返回事件，流正常结束时返回 io.EOF。
type RunStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

// StreamRun 对线程发起一次流式 run
func (c *Client) StreamRun(ctx context.Context, threadID string) (*RunStream, error) {
	payload := map[string]any{
		"assistant_id": c.cfg.AssistantID,
		"stream":       true,
	}
	url := fmt.Sprintf("%s/threads/%s/runs", strings.TrimRight(c.baseURL, "/"), threadID)
	return c.openStream(ctx, url, payload)
}

// StreamToolOutputs 提交工具输出并恢复暂停的 run，返回新的事件流
func (c *Client) StreamToolOutputs(ctx context.Context, threadID, runID string, outputs []model.ToolOutput) (*RunStream, error) {
	payload := map[string]any{
		"tool_outputs": outputs,
		"stream":       true,
	}
	url := fmt.Sprintf("%s/threads/%s/runs/%s/submit_tool_outputs", strings.TrimRight(c.baseURL, "/"), threadID, runID)
	return c.openStream(ctx, url, payload)
}

func (c *Client) openStream(ctx context.Context, url string, payload any) (*RunStream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open run stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("run stream request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	scanner := bufio.NewScanner(resp.Body)
	// 单条 delta 可能很长，放宽扫描缓冲
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &RunStream{resp: resp, scanner: scanner}, nil
}

func (s *RunStream) Recv() (Event, error) {
	for {
		name, data, err := s.nextFrame()
		if err != nil {
			return Event{}, err
		}

		switch name {
		case "done":
			return Event{}, io.EOF
		case "error":
			return Event{}, fmt.Errorf("run stream error: %s", strings.TrimSpace(string(data)))
		case "thread.message.created":
			return Event{Type: EventTextCreated, Event: name}, nil
		case "thread.message.delta":
			value, ok := extractDeltaText(data)
			if !ok {
				continue
			}
			return Event{Type: EventTextDelta, Event: name, Value: value}, nil
		default:
			ev := Event{Type: EventGeneric, Event: name, Data: data}
			if strings.HasPrefix(name, "thread.run.") {
				ev.RunID = extractObjectID(data)
			}
			return ev, nil
		}
	}
}

// nextFrame 读取一个 SSE 帧（event 行 + data 行，空行结束）
func (s *RunStream) nextFrame() (string, json.RawMessage, error) {
	var name string
	var data []byte

	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
					return "done", nil, nil
				}
				return name, data, nil
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			data = append(data, chunk...)
		case strings.HasPrefix(line, ":"):
			// 注释行，忽略
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", nil, err
	}
	return "", nil, io.EOF
}

func (s *RunStream) Close() error {
	return s.resp.Body.Close()
}

type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value *string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

// extractDeltaText 拼出一帧 delta 里的全部文本片段，没有文本时返回 false
func extractDeltaText(data json.RawMessage) (string, bool) {
	var delta messageDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return "", false
	}

	var sb strings.Builder
	found := false
	for _, part := range delta.Delta.Content {
		if part.Type != "" && part.Type != "text" {
			continue
		}
		if part.Text.Value == nil {
			continue
		}
		sb.WriteString(*part.Text.Value)
		found = true
	}
	return sb.String(), found
}

func extractObjectID(data json.RawMessage) string {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	return obj.ID
}
