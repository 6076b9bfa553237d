package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMessage 表示不支持的控制消息。
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType 是控制消息的命令字。
type MessageType string

const (
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageClearCache  MessageType = "CLEAR_CACHE"
)

// Message 是页面发来的控制消息。
type Message struct {
	Type MessageType `json:"type"`
}

// MessageResult 描述消息处理结果。
type MessageResult struct {
	Type      MessageType `json:"type"`
	Activated string      `json:"activated,omitempty"`
	Deleted   []string    `json:"deleted,omitempty"`
}

// ParseMessage 解析 JSON 消息，命令字不区分大小写。
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	msg.Type = MessageType(strings.ToUpper(strings.TrimSpace(string(msg.Type))))
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: empty", ErrUnknownMessage)
	}
	return msg, nil
}

// HandleMessage 执行控制消息。
func (r *Registration) HandleMessage(ctx context.Context, msg Message) (*MessageResult, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		c, err := r.SkipWaiting(ctx)
		if err != nil {
			return nil, err
		}
		return &MessageResult{Type: msg.Type, Activated: c.ID()}, nil
	case MessageClearCache:
		deleted, err := r.ClearCache(ctx)
		if deleted == nil {
			deleted = []string{}
		}
		return &MessageResult{Type: msg.Type, Deleted: deleted}, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, msg.Type)
	}
}
