package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/qiuyier/medlink-broker/config"
	"github.com/qiuyier/medlink-broker/internal/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQSink 发布到 topic 类型的交换机，routing key 为原 topic
type RabbitMQSink struct {
	conn     *amqp.Connection
	exchange string
	logger   *zap.Logger

	// 发布 channel 不能并发使用
	publishMu      sync.Mutex
	publishChannel amqpPublisher

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRabbitMQSink(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connection failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create publish channel failed: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange failed: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &RabbitMQSink{
		conn:           conn,
		exchange:       cfg.Exchange,
		logger:         logger,
		publishChannel: ch,
		ctx:            ctx,
		cancel:         cancel,
	}

	// 监听连接断开
	go s.handleConnectionErrors()

	logger.Info("connected to rabbitmq", zap.String("exchange", cfg.Exchange))
	return s, nil
}

func (r *RabbitMQSink) Name() string { return "rabbitmq" }

func (r *RabbitMQSink) Forward(ctx context.Context, msg *broker.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	err = r.publishChannel.PublishWithContext(
		ctx,
		r.exchange,
		msg.Topic(),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   msg.Timestamp(),
			MessageId:   msg.ID(),
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish failed: %w", err)
	}
	return nil
}

func (r *RabbitMQSink) Close() error {
	if r.cancel != nil {
		r.cancel()
	}

	var closeErr error
	if r.publishChannel != nil {
		if err := r.publishChannel.Close(); err != nil {
			r.logger.Error("close publish channel failed", zap.Error(err))
			closeErr = err
		}
	}
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("close connection failed", zap.Error(err))
			if closeErr == nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

func (r *RabbitMQSink) handleConnectionErrors() {
	errChan := r.conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-r.ctx.Done():
			return

		case err, ok := <-errChan:
			if !ok {
				return
			}

			r.logger.Error("rabbitmq connection error",
				zap.Error(err),
				zap.Int("code", err.Code),
				zap.String("reason", err.Reason),
			)
		}
	}
}
