package ws

import (
	"testing"
	"time"

	"github.com/qiuyier/medlink-broker/internal/auth"
	"github.com/qiuyier/medlink-broker/internal/consts"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 不启动读写循环，只用于管理器测试
func newDetachedConnection(clientID, role string) *Connection {
	claims := &auth.Claims{ClientID: clientID, Role: role}
	return NewConnection(claims, nil, 4, 1024, time.Minute, zap.NewNop())
}

func TestConnectionManagerAddRemove(t *testing.T) {
	cm := NewConnectionManager(2, zap.NewNop())

	c1 := newDetachedConnection("client", consts.PublisherRole)
	c2 := newDetachedConnection("client", consts.SubscriberRole)
	c3 := newDetachedConnection("client", consts.SubscriberRole)

	require.NoError(t, cm.AddConnection(c1))
	require.ErrorIs(t, cm.AddConnection(c1), ErrConnectionExists)
	require.NoError(t, cm.AddConnection(c2))
	require.ErrorIs(t, cm.AddConnection(c3), ErrTooManyConns)

	require.True(t, cm.IsClientOnline("client"))
	require.Equal(t, map[string]int64{"total": 2, "publisher": 1, "subscriber": 1}, cm.GetStats())

	cm.RemoveConnection("client", c1.ID)
	require.Len(t, cm.GetClientConnections("client"), 1)

	cm.RemoveConnection("client", c2.ID)
	require.False(t, cm.IsClientOnline("client"))
	require.Equal(t, map[string]int64{"total": 0, "publisher": 0, "subscriber": 0}, cm.GetStats())

	// 移除后可以重新加入
	require.NoError(t, cm.AddConnection(c3))
	require.True(t, cm.IsClientOnline("client"))
}

func TestConnectionManagerSend(t *testing.T) {
	cm := NewConnectionManager(5, zap.NewNop())

	require.ErrorIs(t, cm.SendToClient("ghost", []byte("x")), ErrClientOffline)

	pub := newDetachedConnection("a", consts.PublisherRole)
	sub := newDetachedConnection("b", consts.SubscriberRole)
	require.NoError(t, cm.AddConnection(pub))
	require.NoError(t, cm.AddConnection(sub))

	require.NoError(t, cm.SendToClient("a", []byte("direct")))
	require.Equal(t, []byte("direct"), <-pub.sendChan)

	sent := cm.Broadcast([]byte("subs only"), func(c *Connection) bool {
		return c.Role == consts.SubscriberRole
	})
	require.Equal(t, 1, sent)
	require.Equal(t, []byte("subs only"), <-sub.sendChan)
	require.Empty(t, pub.sendChan)
}

func TestConnectionSendAfterClose(t *testing.T) {
	c := newDetachedConnection("c", consts.SubscriberRole)
	c.Close()
	c.Close()
	require.False(t, c.Send([]byte("late")))
}
