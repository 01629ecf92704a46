package handler

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"advisor-backend/internal/model"
	"advisor-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxUploadBytes = 100 << 20 // 100 MB

// UploadFile 把上传的文件转存到托管文件存储，返回不透明的文件标识。
// 转写不会因为上传而变化，标识要等用户显式提交后才进入会话。
func (h *Handler) UploadFile(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}

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

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
		return
	}

	fileID, err := h.files.UploadFile(c.Request.Context(), filepath.Base(fileHeader.Filename), data)
	if err != nil {
		logger.Errorf("Upload error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Upload failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, model.UploadResponse{FileID: fileID})
}

// DownloadFile 取回托管存储里的文件，以附件形式回写
func (h *Handler) DownloadFile(c *gin.Context) {
	fileID := c.Param("file_id")

	name, data, err := h.files.DownloadFile(c.Request.Context(), fileID)
	if err != nil {
		logger.Errorf("Download error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Download failed",
			"details": err.Error(),
		})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "application/octet-stream", data)
}
