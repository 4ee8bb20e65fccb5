package broker

// Handler 消息处理函数，在发布者的 goroutine 中同步调用
type Handler func(msg *Message) error

// Subscription 一次订阅，Unsubscribe 按指针判断是否为同一订阅
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	broker  *Broker
}

func (s *Subscription) ID() uint64 { return s.id }

func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe 取消订阅，重复调用返回 ErrSubscriptionNotFound
func (s *Subscription) Unsubscribe() error {
	return s.broker.Unsubscribe(s.topic, s)
}
