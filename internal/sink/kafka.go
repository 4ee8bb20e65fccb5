package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qiuyier/medlink-broker/config"
	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	HeaderMessageID   = "message-id"
	HeaderBrokerTopic = "broker-topic"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink 把所有 topic 的消息写入同一个 Kafka topic，key 为原 topic
type KafkaSink struct {
	writer messageWriter
	logger *zap.Logger

	brokers []string
	topic   string
}

func NewKafkaSink(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("connecting to kafka", zap.Strings("brokers", cfg.Brokers))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
	}

	s := &KafkaSink{
		writer:  writer,
		logger:  logger,
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.HealthCheck(ctx); err != nil {
		_ = writer.Close()
		return nil, err
	}

	logger.Info("connected to kafka")
	return s, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Forward(ctx context.Context, msg *broker.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Topic()),
		Value: data,
		Time:  msg.Timestamp(),
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(msg.ID())},
			{Key: HeaderBrokerTopic, Value: []byte(msg.Topic())},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// HealthCheck 通过连接分区 leader 检查 Kafka 是否可用
func (k *KafkaSink) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialLeader(ctx, "tcp", k.brokers[0], k.topic, 0)
	if err != nil {
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	_ = conn.Close()
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
