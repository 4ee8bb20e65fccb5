package broker

import (
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/qiuyier/medlink-broker/config"
	"github.com/qiuyier/medlink-broker/internal/consts"
	"go.uber.org/zap"
)

// Stats 统计信息
type Stats struct {
	PublishCount   int64 `json:"publish_count"`
	DeliveredCount int64 `json:"delivered_count"`
	ErrorCount     int64 `json:"error_count"`
	EvictedCount   int64 `json:"evicted_count"`
	Subscriptions  int64 `json:"subscriptions"`
	Topics         int   `json:"topics"`
}

// Broker 进程内消息代理
//
// 发布时同步调用该 topic 的全部订阅者，并把消息保存在内存中供后续查询。
// 所有方法都可以并发调用。
type Broker struct {
	topics cmap.ConcurrentMap[string, *topic]
	cfg    config.BrokerConfig
	logger *zap.Logger

	nextSubID atomic.Uint64
	now       func() time.Time
	newID     func() string

	publishCount   atomic.Int64
	deliveredCount atomic.Int64
	errorCount     atomic.Int64
	evictedCount   atomic.Int64
	subscriptions  atomic.Int64
}

func New(cfg config.BrokerConfig, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PendingQueueSize < 0 {
		cfg.PendingQueueSize = 0
	}
	if cfg.DefaultTopic == "" {
		cfg.DefaultTopic = consts.DefaultTopic
	}

	return &Broker{
		topics: cmap.New[*topic](),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// DefaultTopic 返回 Produce/Consume 在 topic 为空时使用的 topic
func (b *Broker) DefaultTopic() string {
	return b.cfg.DefaultTopic
}

// Produce 发布消息，topic 为空时发布到 DefaultTopic
func (b *Broker) Produce(content Payload, topic string) (string, error) {
	if topic == "" {
		topic = b.cfg.DefaultTopic
	}
	return b.Publish(topic, content)
}

// Consume 订阅 topic，topic 为空时订阅 DefaultTopic
func (b *Broker) Consume(handler Handler, topic string) *Subscription {
	if topic == "" {
		topic = b.cfg.DefaultTopic
	}
	return b.Subscribe(topic, handler)
}

// getOrCreateTopic 并发首次访问时只会创建一个 topic
func (b *Broker) getOrCreateTopic(name string) *topic {
	if t, ok := b.topics.Get(name); ok {
		return t
	}

	if b.topics.SetIfAbsent(name, newTopic(name, b.cfg.PendingQueueSize)) {
		b.logger.Debug("topic created", zap.String("topic", name))
	}

	t, _ := b.topics.Get(name)
	return t
}

// Subscribe 订阅 topic，同一个 handler 订阅两次会得到两个独立的订阅
func (b *Broker) Subscribe(topicName string, handler Handler) *Subscription {
	if handler == nil {
		panic("broker: nil handler")
	}

	t := b.getOrCreateTopic(topicName)
	sub := &Subscription{
		id:      b.nextSubID.Add(1),
		topic:   topicName,
		handler: handler,
		broker:  b,
	}

	total := t.addSubscriber(sub)
	b.subscriptions.Add(1)

	b.logger.Debug("subscribed",
		zap.String("topic", topicName),
		zap.Uint64("subscription_id", sub.id),
		zap.Int("total_subscribers", total),
	)

	return sub
}

// Unsubscribe 取消订阅
//
// topic 不存在时直接返回 nil；topic 存在但订阅不在其中时返回 ErrSubscriptionNotFound。
func (b *Broker) Unsubscribe(topicName string, sub *Subscription) error {
	t, ok := b.topics.Get(topicName)
	if !ok {
		return nil
	}

	if sub == nil || !t.removeSubscriber(sub) {
		return ErrSubscriptionNotFound
	}

	b.subscriptions.Add(-1)

	b.logger.Debug("unsubscribed",
		zap.String("topic", topicName),
		zap.Uint64("subscription_id", sub.id),
	)
	return nil
}

// Publish 发布消息并返回消息 ID
//
// 消息先写入存储，再按订阅顺序在当前 goroutine 中依次调用订阅者。
// 默认情况下第一个失败的订阅者会中止本次投递，错误以 *DeliveryError 返回，
// 订阅者 panic 会直接向上传播。开启 IsolateSubscriberFailures 后每个订阅者
// 都会被调用，失败只记录日志。
func (b *Broker) Publish(topicName string, content Payload) (string, error) {
	t := b.getOrCreateTopic(topicName)

	msg, subs, evicted := t.record(b.newID(), content, b.now, b.newStore)
	b.publishCount.Add(1)
	if evicted > 0 {
		b.evictedCount.Add(int64(evicted))
	}

	b.logger.Debug("message published",
		zap.String("topic", topicName),
		zap.String("msg_id", msg.id),
		zap.Int("subscribers", len(subs)),
	)

	if b.cfg.IsolateSubscriberFailures {
		b.deliverIsolated(msg, subs)
		return msg.id, nil
	}

	for i, sub := range subs {
		if err := sub.handler(msg); err != nil {
			b.errorCount.Add(1)
			return msg.id, &DeliveryError{
				Topic:     topicName,
				MessageID: msg.id,
				Index:     i,
				Err:       err,
			}
		}
		b.deliveredCount.Add(1)
	}

	return msg.id, nil
}

func (b *Broker) deliverIsolated(msg *Message, subs []*Subscription) {
	for i, sub := range subs {
		if err := invokeRecover(sub.handler, msg); err != nil {
			b.errorCount.Add(1)
			b.logger.Error("subscriber failed",
				zap.String("topic", msg.topic),
				zap.String("msg_id", msg.id),
				zap.Int("index", i),
				zap.Uint64("subscription_id", sub.id),
				zap.Error(err),
			)
			continue
		}
		b.deliveredCount.Add(1)
	}
}

func invokeRecover(h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				PanicValue: r,
				StackTrace: string(debug.Stack()),
			}
		}
	}()

	return h(msg)
}

func (b *Broker) newStore() *messageStore {
	return newMessageStore(b.cfg.MaxMessagesPerTopic, b.cfg.MessageTTL)
}

// readableTopic 查询前淘汰已过期的消息
func (b *Broker) readableTopic(topicName string) (*topic, time.Time, bool) {
	t, ok := b.topics.Get(topicName)
	if !ok {
		return nil, time.Time{}, false
	}

	now := b.now()
	if b.cfg.MessageTTL > 0 {
		if evicted := t.expire(now); evicted > 0 {
			b.evictedCount.Add(int64(evicted))
		}
	}
	return t, now, true
}

// Get 按 ID 查询已保存的消息
func (b *Broker) Get(topicName, id string) (*Message, bool) {
	t, now, ok := b.readableTopic(topicName)
	if !ok {
		return nil, false
	}
	return t.get(id, now)
}

// Messages 按发布顺序返回 topic 中保存的消息
func (b *Broker) Messages(topicName string) []*Message {
	t, now, ok := b.readableTopic(topicName)
	if !ok {
		return nil
	}
	return t.messages(now)
}

// Len 返回 topic 中保存的消息数量
func (b *Broker) Len(topicName string) int {
	t, now, ok := b.readableTopic(topicName)
	if !ok {
		return 0
	}
	return t.messageCount(now)
}

// Subscribers 返回 topic 当前的订阅数量
func (b *Broker) Subscribers(topicName string) int {
	t, ok := b.topics.Get(topicName)
	if !ok {
		return 0
	}
	return t.subscriberCount()
}

// Topics 返回已知的全部 topic，按名称排序
func (b *Broker) Topics() []string {
	names := b.topics.Keys()
	slices.Sort(names)
	return names
}

func (b *Broker) GetStats() *Stats {
	return &Stats{
		PublishCount:   b.publishCount.Load(),
		DeliveredCount: b.deliveredCount.Load(),
		ErrorCount:     b.errorCount.Load(),
		EvictedCount:   b.evictedCount.Load(),
		Subscriptions:  b.subscriptions.Load(),
		Topics:         b.topics.Count(),
	}
}
