package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/infra/mq"
	"github.com/example/chatgateway/internal/logging"
	"github.com/example/chatgateway/internal/repository/mysql"
	"github.com/example/chatgateway/internal/retention"
	"github.com/example/chatgateway/internal/service"
)

func main() {
	configPath := flag.String("config", "./config/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := mysql.Open(&cfg.MySQL)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer mysql.Close(db)

	conn, err := mq.Dial(&cfg.RabbitMQ)
	if err != nil {
		log.Fatal("connect rabbitmq", zap.Error(err))
	}
	defer conn.Close()

	monitor := service.NewMonitor()
	chatSvc := service.NewChatService(mysql.NewRoomRepository(db), mysql.NewMessageRepository(db),
		nil, cfg.Gateway, monitor, log.Named("chat"))

	worker := retention.NewWorker(chatSvc, monitor, log.Named("retention"))
	if err := worker.Consume(ctx, conn, cfg.RabbitMQ.RetentionQueue); err != nil {
		log.Error("retention worker stopped", zap.Error(err))
		return
	}
	log.Info("retention worker stopped", zap.Any("stats", monitor.GetStats()))
}
