package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/qiuyier/medlink-broker/config"
	"github.com/qiuyier/medlink-broker/internal/auth"
	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/qiuyier/medlink-broker/internal/httpapi"
	"github.com/qiuyier/medlink-broker/internal/logger"
	"github.com/qiuyier/medlink-broker/internal/sink"
	"github.com/qiuyier/medlink-broker/internal/ws"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Default()
	case err != nil:
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogSettings())
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	b := broker.New(cfg.Broker, log.Named("broker"))
	broker.SetDefault(b)

	forwarders, err := startSinks(cfg, b, log)
	if err != nil {
		return err
	}
	defer func() {
		for name, f := range forwarders {
			if err := f.Close(); err != nil {
				log.Error("close sink failed", zap.String("sink", name), zap.Error(err))
			}
		}
	}()

	if cfg.JWT.Secret == "" {
		return errors.New("jwt secret not configured")
	}
	wsServer := ws.NewServer(b, auth.NewJWTAuth(cfg.JWT.Secret, cfg.JWT.ExpireTime), cfg.WS, log.Named("ws"))

	mux := http.NewServeMux()
	mux.Handle("GET /ws", wsServer)
	httpapi.NewHandler(b, forwarders, log.Named("http")).Register(mux)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	wsServer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", zap.Error(err))
	}

	stats := b.GetStats()
	log.Info("broker stopped",
		zap.Int64("published", stats.PublishCount),
		zap.Int64("delivered", stats.DeliveredCount),
		zap.Int64("errors", stats.ErrorCount),
	)
	return nil
}

// startSinks 按配置连接外部系统并挂载到 broker
func startSinks(cfg *config.Config, b *broker.Broker, log *zap.Logger) (map[string]*sink.Forwarder, error) {
	forwarders := make(map[string]*sink.Forwarder)
	if len(cfg.Sinks.Topics) == 0 {
		return forwarders, nil
	}

	var sinks []sink.Sink

	if cfg.Redis.Enabled {
		s, err := sink.NewRedisSink(cfg.Redis, log.Named("redis"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Kafka.Enabled {
		s, err := sink.NewKafkaSink(cfg.Kafka, log.Named("kafka"))
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.RabbitMQ.Enabled {
		s, err := sink.NewRabbitMQSink(cfg.RabbitMQ, log.Named("rabbitmq"))
		if err != nil {
			closeSinks(sinks)
			return nil, err
		}
		sinks = append(sinks, s)
	}

	for _, s := range sinks {
		f := sink.NewForwarder(s, cfg.Sinks.WorkerCount, cfg.Sinks.QueueSize, log)
		f.Attach(b, cfg.Sinks.Topics...)
		forwarders[s.Name()] = f
	}

	return forwarders, nil
}

func closeSinks(sinks []sink.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}
