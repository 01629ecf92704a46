package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ToolOutput 托管端 submit_tool_outputs 的条目，output 必须是字符串
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

type rawToolOutput struct {
	ToolCallID json.RawMessage `json:"tool_call_id"`
	Output     json.RawMessage `json:"output"`
}

var ErrEmptyToolOutputs = errors.New("toolCallOutputs is required")

// NormalizeToolOutputs 把前端提交的工具输出整理成托管 API 的 schema：
// 单个对象包装成单元素列表；非字符串 output 序列化为 JSON 文本；
// 缺失的 output 变为空字符串。这种有损压平是托管端 schema 要求的，不能改。
func NormalizeToolOutputs(raw json.RawMessage) ([]ToolOutput, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmptyToolOutputs
	}

	var items []rawToolOutput
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
	} else {
		var single rawToolOutput
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, err
		}
		items = []rawToolOutput{single}
	}

	outputs := make([]ToolOutput, 0, len(items))
	for _, item := range items {
		outputs = append(outputs, ToolOutput{
			ToolCallID: coerceToString(item.ToolCallID),
			Output:     coerceOutput(item.Output),
		})
	}

	return outputs, nil
}

func coerceToString(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// 数字等标量直接取字面量文本
	return string(bytes.TrimSpace(raw))
}

func coerceOutput(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
