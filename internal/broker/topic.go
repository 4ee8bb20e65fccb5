package broker

import (
	"slices"
	"sync"
	"time"
)

type topic struct {
	name string

	mu   sync.RWMutex
	subs []*Subscription
	// 按需创建，只在第一次 publish 时初始化
	store *messageStore

	// 预留的待处理队列，当前投递逻辑不使用
	pending chan *Message
}

func newTopic(name string, pendingSize int) *topic {
	return &topic{
		name:    name,
		pending: make(chan *Message, pendingSize),
	}
}

func (t *topic) addSubscriber(sub *Subscription) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subs = append(t.subs, sub)
	return len(t.subs)
}

// removeSubscriber 移除第一个相同的订阅
func (t *topic) removeSubscriber(sub *Subscription) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := slices.Index(t.subs, sub)
	if idx < 0 {
		return false
	}

	t.subs = slices.Delete(t.subs, idx, idx+1)
	return true
}

// record 在锁内生成时间戳并写入消息，保证存储顺序与时间戳顺序一致
// 返回消息、当前订阅者快照和淘汰数量
func (t *topic) record(id string, content Payload, now func() time.Time, newStore func() *messageStore) (*Message, []*Subscription, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.store == nil {
		t.store = newStore()
	}
	msg := newMessage(id, t.name, content, now())
	evicted := t.store.put(msg)

	return msg, slices.Clone(t.subs), evicted
}

// expire 淘汰已过期的消息
func (t *topic) expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.store == nil {
		return 0
	}
	return t.store.expire(now)
}

func (t *topic) subscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.subs)
}

func (t *topic) get(id string, now time.Time) (*Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.store == nil {
		return nil, false
	}
	return t.store.get(id, now)
}

func (t *topic) messages(now time.Time) []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.store == nil {
		return nil
	}
	return t.store.list(now)
}

func (t *topic) messageCount(now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.store == nil {
		return 0
	}
	return t.store.size(now)
}
