package ws

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/qiuyier/medlink-broker/internal/auth"
	"github.com/qiuyier/medlink-broker/internal/broker"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type Connection struct {
	// 基本信息
	ID       string
	ClientID string
	Role     string
	Claims   *auth.Claims

	// WebSocket 连接
	conn *websocket.Conn

	sendChan chan []byte

	// 状态
	lastActive atomic.Int64
	closed     atomic.Bool

	// 订阅的主题
	subs   map[string]*broker.Subscription
	subsMu sync.Mutex

	logger *zap.Logger

	// 配置
	maxMessageSize int64
	pongTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewConnection(
	claims *auth.Claims,
	conn *websocket.Conn,
	sendChanSize int,
	maxMessageSize int64,
	pongTimeout time.Duration,
	logger *zap.Logger,
) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	c := &Connection{
		ID:             id,
		ClientID:       claims.ClientID,
		Role:           claims.Role,
		Claims:         claims,
		conn:           conn,
		sendChan:       make(chan []byte, sendChanSize),
		subs:           make(map[string]*broker.Subscription),
		maxMessageSize: maxMessageSize,
		pongTimeout:    pongTimeout,
		logger:         logger.With(zap.String("client_id", claims.ClientID), zap.String("conn_id", id)),
		ctx:            ctx,
		cancel:         cancel,
	}

	c.UpdateLastActive()

	return c
}

// UpdateLastActive 更新最后活跃时间
func (c *Connection) UpdateLastActive() {
	c.lastActive.Store(time.Now().Unix())
}

// GetLastActive 获取最后活跃时间
func (c *Connection) GetLastActive() time.Time {
	return time.Unix(c.lastActive.Load(), 0)
}

// Subscribe 在 broker 上订阅主题，收到的消息写回客户端
// 同一连接重复订阅同一主题时忽略
func (c *Connection) Subscribe(b *broker.Broker, topic string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if c.closed.Load() {
		return false
	}
	if _, ok := c.subs[topic]; ok {
		return false
	}

	c.subs[topic] = b.Subscribe(topic, c.deliver)

	c.logger.Info("subscribed topic", zap.String("topic", topic))
	return true
}

// Unsubscribe 取消订阅
func (c *Connection) Unsubscribe(topic string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	sub, ok := c.subs[topic]
	if !ok {
		return false
	}
	delete(c.subs, topic)

	if err := sub.Unsubscribe(); err != nil {
		c.logger.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	}

	c.logger.Info("unsubscribed topic", zap.String("topic", topic))
	return true
}

// Topics 返回已订阅的主题
func (c *Connection) Topics() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// IsSubscribed 检查是否订阅了主题
func (c *Connection) IsSubscribed(topic string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	_, ok := c.subs[topic]
	return ok
}

// deliver broker 订阅回调，客户端过慢时丢弃而不影响其他订阅者
func (c *Connection) deliver(msg *broker.Message) error {
	data, err := EncodeBrokerMessage(msg)
	if err != nil {
		return err
	}

	if !c.Send(data) {
		c.logger.Warn("message not delivered to client",
			zap.String("topic", msg.Topic()),
			zap.String("msg_id", msg.ID()),
		)
	}
	return nil
}

// Send 发送消息（异步）
func (c *Connection) Send(data []byte) bool {
	if c.closed.Load() {
		return false
	}

	select {
	case c.sendChan <- data:
		return true
	case <-c.ctx.Done():
		return false
	case <-time.After(100 * time.Millisecond):
		c.logger.Warn("send channel full, message dropped")
		return false
	}
}

// Close 关闭连接，取消全部订阅，底层连接由 WritePump 关闭
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.subsMu.Lock()
	for topic, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	c.subs = make(map[string]*broker.Subscription)
	c.subsMu.Unlock()

	c.cancel()
	c.logger.Info("connection closed")
}

// ReadPump 读取消息循环
func (c *Connection) ReadPump(handler MessageHandler) {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

	c.conn.SetPongHandler(func(string) error {
		c.UpdateLastActive()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("read error", zap.Error(err))
			}
			return
		}

		c.UpdateLastActive()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

		// 处理信息
		if err := handler.HandleMessage(c, message); err != nil {
			c.logger.Error("handle message error", zap.Error(err))
		}
	}
}

// WritePump 写入消息循环，退出时关闭底层连接
func (c *Connection) WritePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("ping error", zap.Error(err))
				return
			}
		}
	}
}

// flush 关闭前把已排队的消息写出
func (c *Connection) flush() {
	for {
		select {
		case message := <-c.sendChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
