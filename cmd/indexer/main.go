package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/supplytrace/tracking-service/internal/config"
	"github.com/supplytrace/tracking-service/internal/indexer"
	"github.com/supplytrace/tracking-service/internal/ledger"
	"github.com/supplytrace/tracking-service/internal/logger"
	"github.com/supplytrace/tracking-service/internal/model"
	"github.com/supplytrace/tracking-service/internal/repo"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		// fatal configuration errors must be visible immediately
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Shipment{}, &model.Container{}, &model.Checkpoint{},
		&model.ScanLog{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)

	client, err := ledger.NewEthereumClient(cfg.Ledger, log)
	if err != nil {
		log.Fatalf("ledger client: %v", err)
	}
	defer client.Close()

	ix := indexer.New(indexer.Config{
		StreamKey:         cfg.Indexer.StreamKey,
		ChainID:           cfg.Ledger.ChainID,
		ContractAddress:   cfg.Ledger.ContractAddress,
		StartBlock:        cfg.Indexer.StartBlock,
		ReconnectAttempts: cfg.Indexer.ReconnectAttempts,
		ReconnectDelay:    cfg.Indexer.ReconnectDelayDuration(),
		StaleThreshold:    cfg.Indexer.StaleThreshold,
	}, client, repository, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ix.Start(ctx); err != nil {
		log.Fatalf("start indexer: %v", err)
	}
	log.Infof("indexer started on stream %s", cfg.Indexer.StreamKey)

	<-ctx.Done()
	log.Info("shutting down")
	ix.Stop()
}
