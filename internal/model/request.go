package model

import "encoding/json"

type MessageRequest struct {
	Content string `json:"content"`
	FileID  string `json:"file_id"`
}

// ActionsRequest 工具输出可能是单个对象也可能是数组，保留原始 JSON 延迟归一化
type ActionsRequest struct {
	ToolCallOutputs json.RawMessage `json:"toolCallOutputs"`
	RunID           string          `json:"runId"`
}
