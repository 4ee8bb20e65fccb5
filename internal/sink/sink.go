package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qiuyier/medlink-broker/internal/broker"
	"go.uber.org/zap"
)

// Sink 把消息记录转发到外部系统
type Sink interface {
	Name() string
	Forward(ctx context.Context, msg *broker.Message) error
	Close() error
}

// Stats 转发统计
type Stats struct {
	ActiveWorkers  int32 `json:"active_workers"`
	ForwardedCount int64 `json:"forwarded_count"`
	DroppedCount   int64 `json:"dropped_count"`
	ErrorCount     int64 `json:"error_count"`
}

const (
	defaultWorkerCount  = 4
	defaultQueueSize    = 1000
	enqueueTimeout      = 100 * time.Millisecond
	defaultCloseTimeout = 30 * time.Second
)

// Forwarder 作为普通订阅者挂载到 Broker 上，由 worker 池异步调用 Sink
//
// 订阅回调只负责入队，不会让发布失败。
type Forwarder struct {
	sink   Sink
	logger *zap.Logger

	workerCount  int
	msgChan      chan *broker.Message
	wg           sync.WaitGroup
	closeTimeout time.Duration

	closeOnce sync.Once
	// mu 保证 Close 置位 closed 之后不会再有消息入队
	mu     sync.RWMutex
	closed bool
	// stopping 关闭后 worker 处理完队列中剩余的消息再退出
	stopping chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	subsMu sync.Mutex
	subs   []*broker.Subscription

	activeWorkers  atomic.Int32
	forwardedCount atomic.Int64
	droppedCount   atomic.Int64
	errorCount     atomic.Int64
}

func NewForwarder(sink Sink, workerCount, queueSize int, logger *zap.Logger) *Forwarder {
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Forwarder{
		sink:         sink,
		logger:       logger.With(zap.String("sink", sink.Name())),
		workerCount:  workerCount,
		msgChan:      make(chan *broker.Message, queueSize),
		closeTimeout: defaultCloseTimeout,
		stopping:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}

	f.startWorkerPool()

	return f
}

// Attach 订阅指定的 topic
func (f *Forwarder) Attach(b *broker.Broker, topics ...string) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	for _, topic := range topics {
		f.subs = append(f.subs, b.Subscribe(topic, f.Handle))
	}

	f.logger.Info("sink attached", zap.Strings("topics", topics))
}

// Handle 订阅回调，把消息放入转发队列
func (f *Forwarder) Handle(msg *broker.Message) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		f.droppedCount.Add(1)
		return nil
	}

	select {
	case f.msgChan <- msg:
	case <-time.After(enqueueTimeout):
		f.droppedCount.Add(1)
		f.logger.Warn("sink queue full, dropping message",
			zap.String("topic", msg.Topic()),
			zap.String("msg_id", msg.ID()),
		)
	}

	return nil
}

// Close 取消订阅，在 closeTimeout 内转发队列中剩余的消息，超时后未处理的计为丢弃
func (f *Forwarder) Close() error {
	var closeErr error

	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		f.subsMu.Lock()
		for _, sub := range f.subs {
			if err := sub.Unsubscribe(); err != nil {
				f.logger.Warn("unsubscribe sink failed",
					zap.String("topic", sub.Topic()),
					zap.Error(err),
				)
			}
		}
		f.subs = nil
		f.subsMu.Unlock()

		close(f.stopping)

		if !f.waitWorkers(f.closeTimeout) {
			f.logger.Warn("sink force closing: timeout", zap.Int("queued", len(f.msgChan)))
			f.cancel()
			f.waitWorkers(f.closeTimeout)
		}
		f.cancel()

		if dropped := f.discardQueued(); dropped > 0 {
			f.logger.Warn("sink queued messages dropped on close", zap.Int("dropped", dropped))
		}

		closeErr = f.sink.Close()

		f.logger.Info("sink closed",
			zap.Int64("forwarded", f.forwardedCount.Load()),
			zap.Int64("dropped", f.droppedCount.Load()),
			zap.Int64("errors", f.errorCount.Load()),
		)
	})

	return closeErr
}

// waitWorkers 等待全部 worker 退出，超时返回 false
func (f *Forwarder) waitWorkers(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// discardQueued 清空队列并计入丢弃数量
func (f *Forwarder) discardQueued() int {
	n := 0
	for {
		select {
		case <-f.msgChan:
			n++
			f.droppedCount.Add(1)
		default:
			return n
		}
	}
}

func (f *Forwarder) GetStats() *Stats {
	return &Stats{
		ActiveWorkers:  f.activeWorkers.Load(),
		ForwardedCount: f.forwardedCount.Load(),
		DroppedCount:   f.droppedCount.Load(),
		ErrorCount:     f.errorCount.Load(),
	}
}

// 启动 worker 池
func (f *Forwarder) startWorkerPool() {
	for i := 0; i < f.workerCount; i++ {
		f.wg.Add(1)

		go func(workerID int) {
			defer f.wg.Done()

			f.activeWorkers.Add(1)
			defer f.activeWorkers.Add(-1)

			f.logger.Debug("sink worker started", zap.Int("worker_id", workerID))

			for {
				select {
				case <-f.ctx.Done():
					return
				case <-f.stopping:
					f.drain(workerID)
					f.logger.Debug("sink worker stopping", zap.Int("worker_id", workerID))
					return
				case msg := <-f.msgChan:
					f.forward(workerID, msg)
				}
			}
		}(i)
	}
}

// drain 转发队列中剩余的消息，强制关闭时停止
func (f *Forwarder) drain(workerID int) {
	for {
		if f.ctx.Err() != nil {
			return
		}
		select {
		case msg := <-f.msgChan:
			f.forward(workerID, msg)
		default:
			return
		}
	}
}

func (f *Forwarder) forward(workerID int, msg *broker.Message) {
	start := time.Now()

	err := f.sink.Forward(f.ctx, msg)
	if err != nil {
		f.errorCount.Add(1)
		f.logger.Error("sink forward failed",
			zap.Int("worker_id", workerID),
			zap.String("topic", msg.Topic()),
			zap.String("msg_id", msg.ID()),
			zap.Error(err),
		)
		return
	}

	f.forwardedCount.Add(1)

	f.logger.Debug("sink message forwarded",
		zap.Int("worker_id", workerID),
		zap.String("topic", msg.Topic()),
		zap.String("msg_id", msg.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}
