package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qiuyier/medlink-broker/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestBroker(t *testing.T, cfg config.BrokerConfig) *Broker {
	t.Helper()
	return New(cfg, zaptest.NewLogger(t))
}

func TestPublishInvokesSubscriberOnce(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	var got []*Message
	b.Subscribe("notifications", func(msg *Message) error {
		got = append(got, msg)
		return nil
	})

	payload := Payload{"type": "alert", "text": "hi"}
	id, err := b.Publish("notifications", payload)
	require.NoError(t, err)

	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID())
	require.Equal(t, "notifications", got[0].Topic())
	require.Equal(t, payload, got[0].Content())
	require.Equal(t, "alert", got[0].Type())

	_, err = uuid.Parse(id)
	require.NoError(t, err)

	stored := b.Messages("notifications")
	require.Len(t, stored, 1)
	require.Equal(t, id, stored[0].ID())

	msg, ok := b.Get("notifications", id)
	require.True(t, ok)
	require.Equal(t, payload, msg.Content())
	require.False(t, msg.Timestamp().IsZero())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	id, err := b.Publish("lonely", Payload{"n": 1})
	require.NoError(t, err)
	require.Equal(t, 1, b.Len("lonely"))
	require.Equal(t, []string{"lonely"}, b.Topics())

	_, ok := b.Get("lonely", id)
	require.True(t, ok)
}

func TestPublishGeneratesDistinctIDs(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	const n = 200
	ids := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id, err := b.Publish("ids", Payload{"i": i})
		require.NoError(t, err)
		ids[id] = struct{}{}
	}

	require.Len(t, ids, n)
	require.Equal(t, n, b.Len("ids"))
}

func TestMessagesKeepPublishOrder(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	for i := 0; i < 10; i++ {
		_, err := b.Publish("ordered", Payload{"i": i})
		require.NoError(t, err)
	}

	for i, msg := range b.Messages("ordered") {
		require.Equal(t, i, msg.Content()["i"])
		require.Equal(t, "ordered", msg.Topic())
	}
}

func TestSubscriptionOrderIsDeliveryOrder(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	var calls []string
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "c1")
		return nil
	})
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "c2")
		return nil
	})

	for i := 0; i < 3; i++ {
		_, err := b.Publish("t", nil)
		require.NoError(t, err)
	}

	require.Equal(t, []string{"c1", "c2", "c1", "c2", "c1", "c2"}, calls)
}

func TestUnsubscribeRemovesOneRegistration(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	calls := 0
	handler := func(*Message) error {
		calls++
		return nil
	}

	first := b.Subscribe("dup", handler)
	b.Subscribe("dup", handler)
	require.Equal(t, 2, b.Subscribers("dup"))

	_, err := b.Publish("dup", nil)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	require.NoError(t, b.Unsubscribe("dup", first))
	require.Equal(t, 1, b.Subscribers("dup"))

	_, err = b.Publish("dup", nil)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestUnsubscribeUnknownTopic(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})
	other := newTestBroker(t, config.BrokerConfig{})

	sub := other.Subscribe("x", func(*Message) error { return nil })
	require.NoError(t, b.Unsubscribe("never-seen", sub))
	require.NoError(t, b.Unsubscribe("never-seen", nil))
}

func TestUnsubscribeNotRegistered(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	sub := b.Subscribe("known", func(*Message) error { return nil })
	require.NoError(t, sub.Unsubscribe())

	err := sub.Unsubscribe()
	require.ErrorIs(t, err, ErrSubscriptionNotFound)

	// 订阅属于另一个 topic
	elsewhere := b.Subscribe("elsewhere", func(*Message) error { return nil })
	require.ErrorIs(t, b.Unsubscribe("known", elsewhere), ErrSubscriptionNotFound)
	require.ErrorIs(t, b.Unsubscribe("known", nil), ErrSubscriptionNotFound)
}

func TestCrossTopicIsolation(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	var gotA int
	b.Subscribe("a", func(*Message) error {
		gotA++
		return nil
	})

	_, err := b.Publish("b", Payload{"x": 1})
	require.NoError(t, err)

	require.Zero(t, gotA)
	require.Zero(t, b.Len("a"))
	require.Equal(t, 1, b.Len("b"))
}

func TestSubscriberErrorAbortsDelivery(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	boom := errors.New("boom")
	var calls []string
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "first")
		return nil
	})
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "second")
		return boom
	})
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "third")
		return nil
	})

	id, err := b.Publish("t", Payload{"k": "v"})
	require.ErrorIs(t, err, boom)

	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	require.Equal(t, 1, deliveryErr.Index)
	require.Equal(t, id, deliveryErr.MessageID)
	require.Equal(t, "t", deliveryErr.Topic)

	require.Equal(t, []string{"first", "second"}, calls)

	// 消息仍然保存
	_, ok := b.Get("t", id)
	require.True(t, ok)

	stats := b.GetStats()
	require.EqualValues(t, 1, stats.ErrorCount)
	require.EqualValues(t, 1, stats.DeliveredCount)
}

func TestSubscriberPanicPropagates(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	b.Subscribe("t", func(*Message) error {
		panic("handler exploded")
	})

	require.PanicsWithValue(t, "handler exploded", func() {
		_, _ = b.Publish("t", nil)
	})
	require.Equal(t, 1, b.Len("t"))
}

func TestIsolateSubscriberFailures(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{IsolateSubscriberFailures: true})

	var calls []string
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "error")
		return errors.New("boom")
	})
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "panic")
		panic("boom")
	})
	b.Subscribe("t", func(*Message) error {
		calls = append(calls, "ok")
		return nil
	})

	_, err := b.Publish("t", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"error", "panic", "ok"}, calls)

	stats := b.GetStats()
	require.EqualValues(t, 2, stats.ErrorCount)
	require.EqualValues(t, 1, stats.DeliveredCount)
}

func TestInvokeRecover(t *testing.T) {
	err := invokeRecover(func(*Message) error { panic("test panic") }, nil)

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	require.Equal(t, "test panic", panicErr.PanicValue)
	require.Contains(t, panicErr.StackTrace, "runtime/debug.Stack")
}

func TestPublishSnapshotsSubscribers(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	var second *Subscription
	secondCalls := 0
	b.Subscribe("t", func(*Message) error {
		// 投递过程中取消后面的订阅，本次投递不受影响
		if second != nil {
			_ = second.Unsubscribe()
		}
		return nil
	})
	second = b.Subscribe("t", func(*Message) error {
		secondCalls++
		return nil
	})

	_, err := b.Publish("t", nil)
	require.NoError(t, err)
	require.Equal(t, 1, secondCalls)

	_, err = b.Publish("t", nil)
	require.NoError(t, err)
	require.Equal(t, 1, secondCalls)
}

func TestHandlerCanPublishReentrantly(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	b.Subscribe("in", func(msg *Message) error {
		_, err := b.Publish("out", Payload{"from": msg.ID()})
		return err
	})

	id, err := b.Publish("in", nil)
	require.NoError(t, err)

	out := b.Messages("out")
	require.Len(t, out, 1)
	require.Equal(t, id, out[0].Content()["from"])
}

func TestMessageContentIsCopied(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	payload := Payload{"text": "original"}
	id, err := b.Publish("t", payload)
	require.NoError(t, err)

	payload["text"] = "changed by producer"

	msg, ok := b.Get("t", id)
	require.True(t, ok)

	content := msg.Content()
	require.Equal(t, "original", content["text"])

	content["text"] = "changed by reader"
	require.Equal(t, "original", msg.Content()["text"])
}

func TestMaxMessagesPerTopic(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{MaxMessagesPerTopic: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := b.Publish("capped", Payload{"i": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Equal(t, 3, b.Len("capped"))
	_, ok := b.Get("capped", ids[0])
	require.False(t, ok)
	_, ok = b.Get("capped", ids[4])
	require.True(t, ok)

	msgs := b.Messages("capped")
	require.Equal(t, 2, msgs[0].Content()["i"])
	require.EqualValues(t, 2, b.GetStats().EvictedCount)
}

func TestMessageTTL(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{MessageTTL: time.Minute})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	oldID, err := b.Publish("ttl", Payload{"n": "old"})
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	newID, err := b.Publish("ttl", Payload{"n": "new"})
	require.NoError(t, err)
	require.Equal(t, 2, b.Len("ttl"))

	now = now.Add(45 * time.Second)
	_, ok := b.Get("ttl", oldID)
	require.False(t, ok)
	_, ok = b.Get("ttl", newID)
	require.True(t, ok)
	require.Equal(t, 1, b.Len("ttl"))
	require.Len(t, b.Messages("ttl"), 1)

	// 读取时已淘汰，不会重复计数
	require.EqualValues(t, 1, b.GetStats().EvictedCount)
	_, err = b.Publish("ttl", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, b.GetStats().EvictedCount)
}

func TestMessageTTLEvictsOnRead(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{MessageTTL: time.Minute})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := b.Publish("ttl", Payload{"i": i})
		require.NoError(t, err)
	}

	now = now.Add(2 * time.Minute)
	require.Zero(t, b.Len("ttl"))
	require.EqualValues(t, 3, b.GetStats().EvictedCount)

	tp, ok := b.topics.Get("ttl")
	require.True(t, ok)
	require.Empty(t, tp.store.order)
	require.Empty(t, tp.store.byID)
}

func TestConcurrentPublishTimestampsFollowStoreOrder(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{MessageTTL: time.Hour})

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	b.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := b.Publish("clock", nil)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	msgs := b.Messages("clock")
	require.Len(t, msgs, 800)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i].Timestamp().After(msgs[i-1].Timestamp()),
			"message %d is older than its predecessor", i)
	}
}

func TestBrokerProduceConsumeDefaultTopic(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{DefaultTopic: "events"})
	require.Equal(t, "events", b.DefaultTopic())

	calls := 0
	b.Consume(func(msg *Message) error {
		calls++
		require.Equal(t, "events", msg.Topic())
		return nil
	}, "")

	_, err := b.Produce(Payload{"type": "alert"}, "")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, b.Len("events"))

	// Publish 不做替换，"" 是合法的 topic
	_, err = b.Publish("", nil)
	require.NoError(t, err)
	require.Equal(t, 1, b.Len(""))
	require.Equal(t, 1, b.Len("events"))

	require.Equal(t, "default", newTestBroker(t, config.BrokerConfig{}).DefaultTopic())
}

func TestSubscribeCreatesTopic(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	b.Subscribe("early", func(*Message) error { return nil })
	require.Equal(t, []string{"early"}, b.Topics())
	require.Zero(t, b.Len("early"))
	require.Empty(t, b.Messages("early"))
}

func TestSubscribeNilHandlerPanics(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})
	require.Panics(t, func() { b.Subscribe("t", nil) })
}

func TestConcurrentPublish(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	const (
		publishers = 16
		perWorker  = 200
	)

	var (
		mu        sync.Mutex
		delivered = make(map[string]int)
	)
	b.Subscribe("load", func(msg *Message) error {
		mu.Lock()
		delivered[msg.ID()]++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := b.Publish("load", Payload{"p": p, "i": i})
				require.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	msgs := b.Messages("load")
	require.Len(t, msgs, publishers*perWorker)

	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		seen[msg.ID()] = struct{}{}
	}
	require.Len(t, seen, publishers*perWorker)
	require.Len(t, delivered, publishers*perWorker)
	for id, n := range delivered {
		require.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
}

func TestConcurrentSubscribeUnsubscribePublish(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				sub := b.Subscribe("churn", func(*Message) error { return nil })
				require.NoError(t, sub.Unsubscribe())
			}
		}()
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := b.Publish("churn", Payload{"w": w})
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Zero(t, b.Subscribers("churn"))
	require.Equal(t, 800, b.Len("churn"))
	require.Zero(t, b.GetStats().Subscriptions)
}

func TestConcurrentTopicCreation(t *testing.T) {
	b := newTestBroker(t, config.BrokerConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Subscribe(fmt.Sprintf("topic-%d", i%4), func(*Message) error { return nil })
		}(i)
	}
	wg.Wait()

	require.Len(t, b.Topics(), 4)
	for i := 0; i < 4; i++ {
		require.Equal(t, 8, b.Subscribers(fmt.Sprintf("topic-%d", i)))
	}
}

func TestMessageMarshalJSON(t *testing.T) {
	ts := time.Date(2026, 10, 17, 8, 30, 0, 123, time.UTC)
	msg := newMessage("id-1", "chat", Payload{"type": "chat_console"}, ts)

	data, err := msg.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{
		"id": "id-1",
		"content": {"type": "chat_console"},
		"timestamp": "2026-10-17T08:30:00.000000123Z",
		"topic": "chat"
	}`, string(data))
}
