package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ModeDebug   = "debug"
	ModeRelease = "release"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Broker   BrokerConfig   `yaml:"broker"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	JWT      JWTConfig      `yaml:"jwt"`
	WS       WSConfig       `yaml:"ws"`
	Sinks    SinksConfig    `yaml:"sinks"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	Mode            string        `yaml:"mode"` // debug, release
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// BrokerConfig 进程内消息代理配置
type BrokerConfig struct {
	DefaultTopic string `yaml:"default_topic"`
	// 0 表示不限制
	MaxMessagesPerTopic int           `yaml:"max_messages_per_topic"`
	MessageTTL          time.Duration `yaml:"message_ttl"`
	PendingQueueSize    int           `yaml:"pending_queue_size"`
	// 订阅者失败时继续投递其余订阅者
	IsolateSubscriberFailures bool `yaml:"isolate_subscriber_failures"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RabbitMQConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	ExpireTime time.Duration `yaml:"expire_time"`
}

type WSConfig struct {
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	SendChannelSize  int           `yaml:"send_channel_size"`
	MaxConnPerClient int           `yaml:"max_conn_per_client"`
}

// SinksConfig 外部转发配置
type SinksConfig struct {
	// 需要转发的 topic，为空时不挂载任何 sink
	Topics      []string `yaml:"topics"`
	WorkerCount int      `yaml:"worker_count"`
	QueueSize   int      `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LogSettings 返回实际使用的日志配置，debug 模式下强制使用开发格式
func (c *Config) LogSettings() LogConfig {
	lc := c.Log
	if c.Server.Mode == ModeDebug {
		lc.Development = true
	}
	return lc
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = ModeRelease
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Broker.DefaultTopic == "" {
		c.Broker.DefaultTopic = "default"
	}
	if c.Broker.PendingQueueSize <= 0 {
		c.Broker.PendingQueueSize = 64
	}

	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "broker:"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "broker.topics"
	}

	if c.JWT.ExpireTime <= 0 {
		c.JWT.ExpireTime = 24 * time.Hour
	}

	if c.WS.ReadBufferSize <= 0 {
		c.WS.ReadBufferSize = 1024
	}
	if c.WS.WriteBufferSize <= 0 {
		c.WS.WriteBufferSize = 1024
	}
	if c.WS.HandshakeTimeout <= 0 {
		c.WS.HandshakeTimeout = 10 * time.Second
	}
	if c.WS.PingInterval <= 0 {
		c.WS.PingInterval = 30 * time.Second
	}
	if c.WS.PongTimeout <= 0 {
		c.WS.PongTimeout = 60 * time.Second
	}
	if c.WS.MaxMessageSize <= 0 {
		c.WS.MaxMessageSize = 64 * 1024
	}
	if c.WS.SendChannelSize <= 0 {
		c.WS.SendChannelSize = 256
	}
	if c.WS.MaxConnPerClient <= 0 {
		c.WS.MaxConnPerClient = 5
	}

	if c.Sinks.WorkerCount <= 0 {
		c.Sinks.WorkerCount = 4
	}
	if c.Sinks.QueueSize <= 0 {
		c.Sinks.QueueSize = 1000
	}
}
