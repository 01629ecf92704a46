package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NoOpenMessage 表示当前没有正在接收增量的助手消息
const NoOpenMessage = -1

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session 对应一次页面会话：远端 thread 的本地镜像加上流式状态。
// Open 指向正在接收增量的助手消息（约定它永远是末尾那条），
// 没有展开的消息时为 NoOpenMessage。
type Session struct {
	ThreadID    string    `json:"thread_id"`
	Messages    []Message `json:"messages"`
	Open        int       `json:"-"`
	Responding  bool      `json:"responding"`
	InputLocked bool      `json:"input_locked"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
