package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/qiuyier/medlink-broker/config"
	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink 通过 Redis PUBLISH 转发消息，channel 为 前缀 + topic
type RedisSink struct {
	client        *redis.Client
	channelPrefix string
	logger        *zap.Logger
}

func NewRedisSink(cfg config.RedisConfig, logger *zap.Logger) (*RedisSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &RedisSink{
		channelPrefix: cfg.ChannelPrefix,
		logger:        logger,
	}

	if err := s.connect(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Channel(topic string) string {
	return r.channelPrefix + topic
}

func (r *RedisSink) Forward(ctx context.Context, msg *broker.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := r.client.Publish(ctx, r.Channel(msg.Topic()), data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// HealthCheck 健康检查
func (r *RedisSink) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}

// 建立连接
func (r *RedisSink) connect(cfg config.RedisConfig) error {
	r.logger.Info("connecting to redis", zap.String("addr", cfg.Addr))

	r.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Error("failed to connect to redis", zap.Error(err))
		_ = r.client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	r.logger.Info("connected to redis")
	return nil
}
