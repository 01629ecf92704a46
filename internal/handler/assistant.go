package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"advisor-backend/internal/assistant"
	"advisor-backend/internal/model"
	"advisor-backend/internal/storage"
	"advisor-backend/internal/utils"
	"advisor-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// GetAssistant 返回配置的助手标识。缺失属于致命配置错误，
// 前端收到 500 后渲染阻断提示而不是聊天界面。
func (h *Handler) GetAssistant(c *gin.Context) {
	if h.cfg.OpenAI.AssistantID == "" {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "ASSISTANT_ID is not set in Environment Variables.",
		})
		return
	}

	c.JSON(http.StatusOK, model.AssistantResponse{AssistantID: h.cfg.OpenAI.AssistantID})
}

// GetChatConfig 返回展示层配置：开场提示、欢迎文案和欢迎音频
func (h *Handler) GetChatConfig(c *gin.Context) {
	starters := h.cfg.Chat.Starters
	if starters == nil {
		starters = make([]string, 0)
	}

	c.JSON(http.StatusOK, model.ChatConfigResponse{
		Starters:     starters,
		WelcomeBlurb: h.cfg.Chat.WelcomeBlurb,
		WelcomeAudio: h.cfg.Chat.WelcomeAudio,
	})
}

func (h *Handler) CreateThread(c *gin.Context) {
	session, err := h.sessions.CreateSession(c.Request.Context())
	if err != nil {
		logger.Errorf("Failed to create thread: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model.ThreadResponse{ThreadID: session.ThreadID})
}

func (h *Handler) GetTranscript(c *gin.Context) {
	threadID := c.Param("thread_id")

	transcript, err := h.sessions.Transcript(threadID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, transcript)
}

// StreamMessage 提交用户消息（可带附件）并把 run 的事件流转成 SSE 回写
func (h *Handler) StreamMessage(c *gin.Context) {
	threadID := c.Param("thread_id")

	var req model.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.FileID == "" && strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	var events <-chan assistant.Event
	var errs <-chan error
	if req.FileID != "" {
		events, errs = h.sessions.SubmitFile(c.Request.Context(), threadID, req.FileID)
	} else {
		events, errs = h.sessions.SubmitText(c.Request.Context(), threadID, req.Content)
	}

	h.streamEvents(c, events, errs)
}

// SubmitActions 提交工具输出以恢复暂停的 run，再次流式回写
func (h *Handler) SubmitActions(c *gin.Context) {
	threadID := c.Param("thread_id")

	var req model.ActionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId is required"})
		return
	}

	events, errs := h.sessions.SubmitToolOutputs(c.Request.Context(), threadID, req.RunID, req.ToolCallOutputs)
	h.streamEvents(c, events, errs)
}

type genericEventPayload struct {
	Event string          `json:"event"`
	RunID string          `json:"run_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// streamEvents 把控制器的事件通道转成 SSE 帧：
// text_created / text_delta{value} / event{event}，错误以 error 帧收尾
func (h *Handler) streamEvents(c *gin.Context, events <-chan assistant.Event, errs <-chan error) {
	sseWriter := utils.NewSSEWriter(c.Writer)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// 事件通道关闭后补收缓冲的错误
				if errs != nil {
					if err, pending := <-errs; pending && err != nil {
						h.writeStreamError(sseWriter, err)
					}
				}
				sseWriter.Close()
				return
			}
			if err := h.writeEvent(sseWriter, ev); err != nil {
				logger.Errorf("Failed to write SSE: %v", err)
				return
			}

		case err, ok := <-errs:
			if !ok {
				// errs 先于 events 关闭，继续清空事件通道
				errs = nil
				continue
			}
			if err != nil {
				h.writeStreamError(sseWriter, err)
				sseWriter.Close()
				return
			}
		}
	}
}

func (h *Handler) writeEvent(w *utils.SSEWriter, ev assistant.Event) error {
	var data []byte
	var err error

	switch ev.Type {
	case assistant.EventTextCreated:
		data = []byte("{}")
	case assistant.EventTextDelta:
		data, err = json.Marshal(gin.H{"value": ev.Value})
	default:
		data, err = json.Marshal(genericEventPayload{
			Event: ev.Event,
			RunID: ev.RunID,
			Data:  ev.Data,
		})
	}
	if err != nil {
		return err
	}

	return w.Write(string(ev.Type), string(data))
}

func (h *Handler) writeStreamError(w *utils.SSEWriter, err error) {
	data, marshalErr := json.Marshal(gin.H{"error": err.Error()})
	if marshalErr != nil {
		return
	}
	if writeErr := w.Write("error", string(data)); writeErr != nil {
		logger.Errorf("Failed to write SSE error: %v", writeErr)
	}
}
