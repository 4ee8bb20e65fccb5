package ws

import (
	"errors"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/qiuyier/medlink-broker/internal/consts"
	"go.uber.org/zap"
)

var (
	ErrClientOffline    = errors.New("client offline")
	ErrTooManyConns     = errors.New("too many connections for this client")
	ErrConnectionExists = errors.New("connection already exists")
)

type ClientConnections struct {
	Conns map[string]*Connection
	mu    sync.RWMutex
	// 已从 connMap 移除，不能再加入连接
	removed bool
}

type ConnectionManager struct {
	connMap cmap.ConcurrentMap[string, *ClientConnections]

	// 统计
	totalConns      atomic.Int64
	publisherConns  atomic.Int64
	subscriberConns atomic.Int64

	maxConnPerClient int

	logger *zap.Logger
}

func NewConnectionManager(maxConnPerClient int, logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		connMap:          cmap.New[*ClientConnections](),
		maxConnPerClient: maxConnPerClient,
		logger:           logger,
	}
}

func (cm *ConnectionManager) clientConnections(clientID string) *ClientConnections {
	return cm.connMap.Upsert(clientID, nil, func(exist bool, valueInMap, _ *ClientConnections) *ClientConnections {
		if exist {
			return valueInMap
		}
		return &ClientConnections{Conns: make(map[string]*Connection)}
	})
}

// AddConnection 添加连接
func (cm *ConnectionManager) AddConnection(conn *Connection) error {
	for {
		clientConns := cm.clientConnections(conn.ClientID)

		clientConns.mu.Lock()
		if clientConns.removed {
			clientConns.mu.Unlock()
			continue
		}

		// 检查连接数限制
		if cm.maxConnPerClient > 0 && len(clientConns.Conns) >= cm.maxConnPerClient {
			clientConns.mu.Unlock()
			return ErrTooManyConns
		}

		if _, exists := clientConns.Conns[conn.ID]; exists {
			clientConns.mu.Unlock()
			return ErrConnectionExists
		}

		clientConns.Conns[conn.ID] = conn
		clientConns.mu.Unlock()
		break
	}

	cm.totalConns.Add(1)
	cm.roleCounter(conn.Role, 1)

	cm.logger.Info("connection added",
		zap.String("client_id", conn.ClientID),
		zap.String("conn_id", conn.ID),
		zap.String("role", conn.Role),
		zap.Int64("total", cm.totalConns.Load()),
	)

	return nil
}

// RemoveConnection 移除连接
func (cm *ConnectionManager) RemoveConnection(clientID, connID string) {
	clientConns, ok := cm.connMap.Get(clientID)
	if !ok {
		return
	}

	clientConns.mu.Lock()
	conn, exists := clientConns.Conns[connID]
	if exists {
		delete(clientConns.Conns, connID)
	}
	clientConns.mu.Unlock()

	if exists {
		cm.totalConns.Add(-1)
		cm.roleCounter(conn.Role, -1)

		cm.logger.Info("connection removed",
			zap.String("client_id", clientID),
			zap.String("conn_id", connID),
			zap.Int64("total", cm.totalConns.Load()),
		)
	}

	// 客户端所有连接都断开时删除记录
	cm.connMap.RemoveCb(clientID, func(_ string, v *ClientConnections, exists bool) bool {
		if !exists {
			return false
		}
		v.mu.Lock()
		defer v.mu.Unlock()

		if len(v.Conns) > 0 {
			return false
		}
		v.removed = true
		return true
	})
}

func (cm *ConnectionManager) roleCounter(role string, delta int64) {
	switch role {
	case consts.PublisherRole:
		cm.publisherConns.Add(delta)
	case consts.SubscriberRole:
		cm.subscriberConns.Add(delta)
	}
}

// SendToClient 发送给指定客户端的所有连接
func (cm *ConnectionManager) SendToClient(clientID string, data []byte) error {
	conns := cm.GetClientConnections(clientID)

	sendCount := 0
	for _, conn := range conns {
		if conn.Send(data) {
			sendCount++
		}
	}

	if sendCount == 0 {
		return ErrClientOffline
	}
	return nil
}

// Broadcast 广播给所有连接
func (cm *ConnectionManager) Broadcast(data []byte, filter func(connection *Connection) bool) int {
	var conns []*Connection
	cm.connMap.IterCb(func(_ string, clientConns *ClientConnections) {
		clientConns.mu.RLock()
		defer clientConns.mu.RUnlock()

		for _, conn := range clientConns.Conns {
			if filter == nil || filter(conn) {
				conns = append(conns, conn)
			}
		}
	})

	sent := 0
	for _, conn := range conns {
		if conn.Send(data) {
			sent++
		}
	}
	return sent
}

// GetClientConnections 获取客户端的所有连接
func (cm *ConnectionManager) GetClientConnections(clientID string) []*Connection {
	clientConns, ok := cm.connMap.Get(clientID)
	if !ok {
		return nil
	}

	clientConns.mu.RLock()
	defer clientConns.mu.RUnlock()

	conns := make([]*Connection, 0, len(clientConns.Conns))
	for _, conn := range clientConns.Conns {
		conns = append(conns, conn)
	}

	return conns
}

// IsClientOnline 判断客户端是否在线
func (cm *ConnectionManager) IsClientOnline(clientID string) bool {
	return len(cm.GetClientConnections(clientID)) > 0
}

// GetStats 获取在线统计
func (cm *ConnectionManager) GetStats() map[string]int64 {
	return map[string]int64{
		"total":      cm.totalConns.Load(),
		"publisher":  cm.publisherConns.Load(),
		"subscriber": cm.subscriberConns.Load(),
	}
}

// KickoutClient 通知并关闭客户端的所有连接
func (cm *ConnectionManager) KickoutClient(clientID string, reason string) {
	conns := cm.GetClientConnections(clientID)
	if len(conns) == 0 {
		return
	}

	kickData, err := Encode(MessageTypeKickout, &ErrorPayload{
		Code:    consts.ErrorCodeKickout,
		Message: reason,
	})
	if err != nil {
		cm.logger.Error("encode kickout message failed", zap.Error(err))
		return
	}

	for _, conn := range conns {
		conn.Send(kickData)
		conn.Close()
	}
}

// CloseAll 关闭全部连接
func (cm *ConnectionManager) CloseAll(reason string) {
	for _, clientID := range cm.connMap.Keys() {
		cm.KickoutClient(clientID, reason)
	}
}
