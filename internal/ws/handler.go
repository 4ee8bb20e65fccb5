package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/qiuyier/medlink-broker/internal/consts"
	"go.uber.org/zap"
)

type MessageHandler interface {
	HandleMessage(conn *Connection, data []byte) error
}

// BrokerHandler 把客户端请求转换为 broker 的订阅、取消订阅和发布
type BrokerHandler struct {
	broker *broker.Broker
	logger *zap.Logger
}

func NewBrokerHandler(b *broker.Broker, logger *zap.Logger) *BrokerHandler {
	return &BrokerHandler{broker: b, logger: logger}
}

func (h *BrokerHandler) HandleMessage(conn *Connection, data []byte) error {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, consts.ErrorCodeBadRequest, "invalid message")
		return fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case MessageTypePing:
		return h.reply(conn, MessageTypePong, struct{}{})
	case MessageTypeSubscribe:
		return h.handleSubscribe(conn, &msg)
	case MessageTypeUnsubscribe:
		return h.handleUnsubscribe(conn, &msg)
	case MessageTypePublish:
		return h.handlePublish(conn, &msg)
	default:
		h.sendError(conn, consts.ErrorCodeBadRequest, "unknown message type: "+msg.Type)
		return nil
	}
}

func (h *BrokerHandler) handleSubscribe(conn *Connection, msg *WSMessage) error {
	var payload SubscribePayload
	if err := msg.ParsePayload(&payload); err != nil || len(payload.Topics) == 0 {
		h.sendError(conn, consts.ErrorCodeBadRequest, "topics required")
		return nil
	}

	var denied []string
	for _, topic := range payload.Topics {
		if !conn.Claims.CanAccess(topic) {
			denied = append(denied, topic)
			continue
		}
		conn.Subscribe(h.broker, topic)
	}

	if len(denied) > 0 {
		h.sendError(conn, consts.ErrorCodeForbidden, fmt.Sprintf("topics not allowed: %v", denied))
	}

	return h.reply(conn, MessageTypeSubscribeSuccess, SubscribePayload{Topics: conn.Topics()})
}

func (h *BrokerHandler) handleUnsubscribe(conn *Connection, msg *WSMessage) error {
	var payload SubscribePayload
	if err := msg.ParsePayload(&payload); err != nil || len(payload.Topics) == 0 {
		h.sendError(conn, consts.ErrorCodeBadRequest, "topics required")
		return nil
	}

	for _, topic := range payload.Topics {
		conn.Unsubscribe(topic)
	}

	return h.reply(conn, MessageTypeUnsubscribeSuccess, SubscribePayload{Topics: conn.Topics()})
}

func (h *BrokerHandler) handlePublish(conn *Connection, msg *WSMessage) error {
	var payload PublishPayload
	if err := msg.ParsePayload(&payload); err != nil {
		h.sendError(conn, consts.ErrorCodeBadRequest, "invalid publish payload")
		return nil
	}
	if payload.Topic == "" {
		payload.Topic = h.broker.DefaultTopic()
	}

	if !conn.Claims.CanPublish() || !conn.Claims.CanAccess(payload.Topic) {
		h.sendError(conn, consts.ErrorCodeForbidden, "publish not allowed")
		return nil
	}

	id, err := h.broker.Publish(payload.Topic, payload.Content)
	if err != nil {
		var deliveryErr *broker.DeliveryError
		if errors.As(err, &deliveryErr) {
			h.logger.Warn("publish delivered partially",
				zap.String("client_id", conn.ClientID),
				zap.String("topic", payload.Topic),
				zap.String("msg_id", id),
				zap.Error(err),
			)
		}
		h.sendError(conn, consts.ErrorCodeInternal, err.Error())
		return err
	}

	return h.reply(conn, MessageTypePublishAck, PublishAckPayload{MsgID: id, Topic: payload.Topic})
}

func (h *BrokerHandler) reply(conn *Connection, msgType string, payload any) error {
	data, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	conn.Send(data)
	return nil
}

func (h *BrokerHandler) sendError(conn *Connection, code int, message string) {
	if err := h.reply(conn, MessageTypeError, &ErrorPayload{Code: code, Message: message}); err != nil {
		h.logger.Error("send error reply failed", zap.Error(err))
	}
}
