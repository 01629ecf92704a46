package handler

import (
	"errors"
	"io"
	"net/http"

	"advisor-backend/internal/model"
	"advisor-backend/internal/service"
	"advisor-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Transcribe 整段音频一次性转写，浏览器端自己录音时走这个端点
func (h *Handler) Transcribe(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer file.Close()

	text, err := h.transcriber.Transcribe(c.Request.Context(), fileHeader.Filename, file)
	if err != nil {
		logger.Errorf("Transcription error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Transcription failed"})
		return
	}

	c.JSON(http.StatusOK, model.TranscriptionResponse{Text: text})
}

// StartRecording 开始一段分块上传的录音
func (h *Handler) StartRecording(c *gin.Context) {
	c.JSON(http.StatusOK, model.RecordingResponse{RecordingID: h.recorder.Start()})
}

// AppendChunk 追加一块音频（请求体为原始字节）
func (h *Handler) AppendChunk(c *gin.Context) {
	recordingID := c.Param("recording_id")

	chunk, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read chunk failed"})
		return
	}

	if err := h.recorder.Append(recordingID, chunk); err != nil {
		h.writeRecorderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// CancelRecording 丢弃缓冲的音频，不会发起转写
func (h *Handler) CancelRecording(c *gin.Context) {
	if err := h.recorder.Cancel(c.Param("recording_id")); err != nil {
		h.writeRecorderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// FinishRecording 定稿录音、转写并返回文本
func (h *Handler) FinishRecording(c *gin.Context) {
	text, err := h.recorder.Finish(c.Request.Context(), c.Param("recording_id"))
	if err != nil {
		if errors.Is(err, service.ErrEmptyRecording) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recording has no audio"})
			return
		}
		if errors.Is(err, service.ErrRecordingNotFound) || errors.Is(err, service.ErrRecordingBusy) {
			h.writeRecorderError(c, err)
			return
		}
		logger.Errorf("Transcription error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Transcription failed"})
		return
	}

	c.JSON(http.StatusOK, model.TranscriptionResponse{Text: text})
}

func (h *Handler) writeRecorderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrRecordingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
	case errors.Is(err, service.ErrRecordingBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "recording is being processed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
