package broker

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/qiuyier/medlink-broker/internal/consts"
)

// Payload 消息内容
type Payload map[string]any

// Message 已发布的消息记录，创建后不可修改
type Message struct {
	id        string
	content   Payload
	timestamp time.Time
	topic     string
}

func newMessage(id, topic string, content Payload, ts time.Time) *Message {
	return &Message{
		id:        id,
		content:   maps.Clone(content),
		timestamp: ts,
		topic:     topic,
	}
}

func (m *Message) ID() string { return m.id }

func (m *Message) Topic() string { return m.topic }

func (m *Message) Timestamp() time.Time { return m.timestamp }

// Content 返回载荷的浅拷贝
func (m *Message) Content() Payload {
	return maps.Clone(m.content)
}

// Type 返回载荷中的 "type" 字段
func (m *Message) Type() string {
	t, _ := m.content[consts.PayloadTypeKey].(string)
	return t
}

type messageJSON struct {
	ID        string  `json:"id"`
	Content   Payload `json:"content"`
	Timestamp string  `json:"timestamp"`
	Topic     string  `json:"topic"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:        m.id,
		Content:   m.content,
		Timestamp: m.timestamp.Format(time.RFC3339Nano),
		Topic:     m.topic,
	})
}
