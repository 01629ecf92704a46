package assistant

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"advisor-backend/internal/config"
	"advisor-backend/internal/model"
	"advisor-backend/internal/utils"

	openai "github.com/sashabaranov/go-openai"
)

// Client 托管助手 API 的外部边界。线程、消息、文件和转写走 go-openai；
// run 的流式接口该库没有覆盖，由 stream.go 直接消费 SSE 端点。
type Client struct {
	api     *openai.Client
	http    *http.Client
	baseURL string
	apiKey  string
	cfg     config.OpenAIConfig
}

func NewClient(cfg config.OpenAIConfig) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	// 非流式调用（线程、消息、文件、转写）走带超时的客户端
	clientConfig.HTTPClient = utils.NewHTTPClient(cfg.Timeout)

	return &Client{
		api:     openai.NewClientWithConfig(clientConfig),
		http:    utils.NewStreamHTTPClient(),
		baseURL: clientConfig.BaseURL,
		apiKey:  cfg.APIKey,
		cfg:     cfg,
	}
}

// CreateThread 创建远端会话线程，返回 thread ID
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	thread, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	return thread.ID, nil
}

// CreateUserMessage 向线程追加一条用户消息。fileID 非空时作为
// code_interpreter 附件挂到消息上。
func (c *Client) CreateUserMessage(ctx context.Context, threadID, content, fileID string) error {
	req := openai.MessageRequest{
		Role:    model.RoleUser,
		Content: content,
	}
	if fileID != "" {
		req.Attachments = []openai.ThreadAttachment{
			{
				FileID: fileID,
				Tools: []openai.ThreadAttachmentTool{
					{Type: string(openai.AssistantToolTypeCodeInterpreter)},
				},
			},
		}
	}

	if _, err := c.api.CreateMessage(ctx, threadID, req); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// UploadFile 上传文件到托管存储，purpose 固定为 assistants
func (c *Client) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	file, err := c.api.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}
	return file.ID, nil
}

// DownloadFile 取回文件名和原始内容
func (c *Client) DownloadFile(ctx context.Context, fileID string) (string, []byte, error) {
	file, err := c.api.GetFile(ctx, fileID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to retrieve file: %w", err)
	}

	content, err := c.api.GetFileContent(ctx, fileID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to retrieve file content: %w", err)
	}
	defer content.Close()

	data, err := io.ReadAll(content)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read file content: %w", err)
	}

	return file.FileName, data, nil
}

// Transcribe 把录音片段交给托管语音转写，返回纯文本
func (c *Client) Transcribe(ctx context.Context, filename string, reader io.Reader) (string, error) {
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.cfg.TranscribeModel,
		FilePath: filename,
		Reader:   reader,
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return resp.Text, nil
}
