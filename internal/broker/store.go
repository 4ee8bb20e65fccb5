package broker

import "time"

// messageStore 单个 topic 的消息存储，按写入顺序保存
// 调用方负责加锁
type messageStore struct {
	byID  map[string]*Message
	order []string

	maxMessages int
	ttl         time.Duration
}

func newMessageStore(maxMessages int, ttl time.Duration) *messageStore {
	return &messageStore{
		byID:        make(map[string]*Message),
		maxMessages: maxMessages,
		ttl:         ttl,
	}
}

// put 写入消息并返回被淘汰的数量
func (s *messageStore) put(msg *Message) int {
	s.byID[msg.id] = msg
	s.order = append(s.order, msg.id)

	evicted := s.expire(msg.timestamp)

	if s.maxMessages > 0 {
		for len(s.order) > s.maxMessages {
			s.dropOldest()
			evicted++
		}
	}

	return evicted
}

// expire 淘汰 now 之前已过期的消息
func (s *messageStore) expire(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}

	evicted := 0
	for len(s.order) > 0 {
		oldest := s.byID[s.order[0]]
		if now.Sub(oldest.timestamp) < s.ttl {
			break
		}
		s.dropOldest()
		evicted++
	}
	return evicted
}

func (s *messageStore) dropOldest() {
	delete(s.byID, s.order[0])
	s.order[0] = ""
	s.order = s.order[1:]
}

func (s *messageStore) get(id string, now time.Time) (*Message, bool) {
	msg, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && now.Sub(msg.timestamp) >= s.ttl {
		return nil, false
	}
	return msg, true
}

// list 按发布顺序返回未过期的消息
func (s *messageStore) list(now time.Time) []*Message {
	msgs := make([]*Message, 0, len(s.order))
	for _, id := range s.order {
		msg := s.byID[id]
		if s.ttl > 0 && now.Sub(msg.timestamp) >= s.ttl {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func (s *messageStore) size(now time.Time) int {
	if s.ttl <= 0 {
		return len(s.order)
	}
	return len(s.list(now))
}
