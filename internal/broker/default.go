package broker

import (
	"sync"
	"sync/atomic"

	"github.com/qiuyier/medlink-broker/config"
)

var (
	defaultOnce   sync.Once
	defaultBroker atomic.Pointer[Broker]
)

// Default 返回进程级共享的 Broker，首次调用时按默认配置创建
//
// 需要自定义配置或日志的程序应使用 New 并显式传递实例，
// 或在启动时通过 SetDefault 替换共享实例。
func Default() *Broker {
	if b := defaultBroker.Load(); b != nil {
		return b
	}
	defaultOnce.Do(func() {
		defaultBroker.CompareAndSwap(nil, New(config.Default().Broker, nil))
	})
	return defaultBroker.Load()
}

// SetDefault 替换共享 Broker，之后的 Produce/Consume 都使用 b
func SetDefault(b *Broker) {
	if b == nil {
		panic("broker: nil default broker")
	}
	defaultBroker.Store(b)
}

// Produce 向共享 Broker 发布消息
//
// topic 为空时发布到共享 Broker 的 DefaultTopic（默认 "default"），
// 因此无法通过 Produce 发布到名为 "" 的 topic，需要时直接调用 Publish。
func Produce(content Payload, topic string) (string, error) {
	return Default().Produce(content, topic)
}

// Consume 在共享 Broker 上订阅
//
// topic 为空时订阅共享 Broker 的 DefaultTopic，与 Produce 相同，
// 名为 "" 的 topic 只能通过 Subscribe 订阅。
func Consume(handler Handler, topic string) *Subscription {
	return Default().Consume(handler, topic)
}
