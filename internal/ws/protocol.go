package ws

import (
	"encoding/json"
	"time"

	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/qiuyier/medlink-broker/internal/consts"
)

// 消息类型
const (
	MessageTypePing               = "ping"
	MessageTypePong               = "pong"
	MessageTypeSubscribe          = "subscribe"
	MessageTypeSubscribeSuccess   = consts.TopicSubscribeSuccess
	MessageTypeUnsubscribe        = "unsubscribe"
	MessageTypeUnsubscribeSuccess = consts.TopicUnsubscribeSuccess
	MessageTypePublish            = "publish"
	MessageTypePublishAck         = "publish_ack"
	MessageTypeMessage            = "message"
	MessageTypeError              = "error"
	MessageTypeKickout            = "kickout"
)

// WSMessage WebSocket 消息协议
type WSMessage struct {
	Type      string          `json:"type"`
	MsgID     string          `json:"msg_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload 订阅载荷
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

// PublishPayload 发布载荷，topic 为空时发布到默认 topic
type PublishPayload struct {
	Topic   string         `json:"topic"`
	Content broker.Payload `json:"content"`
}

// PublishAckPayload 发布确认
type PublishAckPayload struct {
	MsgID string `json:"msg_id"`
	Topic string `json:"topic"`
}

// ErrorPayload 错误载荷
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewWSMessage 构造 WebSocket 消息
func NewWSMessage(msgType string, payload any) (*WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &WSMessage{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Payload:   data,
	}, nil
}

// Encode 构造并序列化消息
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewWSMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// EncodeBrokerMessage 把 broker 消息记录包装成 message 帧
func EncodeBrokerMessage(record *broker.Message) ([]byte, error) {
	msg, err := NewWSMessage(MessageTypeMessage, record)
	if err != nil {
		return nil, err
	}
	msg.MsgID = record.ID()
	return json.Marshal(msg)
}

// ParsePayload 解析载荷
func (m *WSMessage) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
