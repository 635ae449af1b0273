package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/auth"
	"github.com/example/chatgateway/internal/broadcast"
	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/gateway"
	"github.com/example/chatgateway/internal/infra/mq"
	"github.com/example/chatgateway/internal/infra/redis"
	"github.com/example/chatgateway/internal/logging"
	"github.com/example/chatgateway/internal/middleware"
	"github.com/example/chatgateway/internal/repository/mysql"
	"github.com/example/chatgateway/internal/retention"
	"github.com/example/chatgateway/internal/server"
	"github.com/example/chatgateway/internal/service"
)

func main() {
	configPath := flag.String("config", "./config/config.yaml", "配置文件路径，不存在时使用默认配置")
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

	if err := run(cfg, log); err != nil {
		log.Fatal("chat gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := mysql.Open(&cfg.MySQL)
	if err != nil {
		return err
	}
	defer mysql.Close(db)

	bus, err := openBus(cfg, log)
	if err != nil {
		return err
	}
	defer bus.Close()

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		return err
	}

	monitor := service.NewMonitor()
	userRepo := mysql.NewUserRepository(db)
	chatSvc := service.NewChatService(mysql.NewRoomRepository(db), mysql.NewMessageRepository(db),
		userRepo, cfg.Gateway, monitor, log.Named("chat"))

	gw := gateway.New(gateway.Deps{
		Service:  chatSvc,
		Bus:      bus,
		Verifier: verifier,
		Profiles: userRepo,
		Monitor:  monitor,
		Config:   cfg.Gateway,
		Logger:   log.Named("gateway"),
	})
	gwCtx, stopGateway := context.WithCancel(context.Background())
	defer stopGateway()
	if err := gw.Start(gwCtx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	if cfg.Retention.Enabled {
		stopRetention, err := startRetention(ctx, cfg, chatSvc, log.Named("retention"))
		if err != nil {
			return err
		}
		defer stopRetention()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(monitor, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := iris.New()
	server.RegisterRoutes(app, server.Deps{
		Chat:     chatSvc,
		Gateway:  gw,
		Verifier: verifier,
		Monitor:  monitor,
		Metrics:  reg,
		Limiter:  middleware.NewKeyedLimiter(20, 40),
		Logger:   log.Named("http"),
	})

	// 收到退出信号先停止接收请求，Listen 返回后停掉心跳与总线订阅，再关闭全部连接（广播离线）
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
	}()

	addr := cfg.Server.Addr()
	log.Info("chat gateway listening", zap.String("addr", addr), zap.String("bus", cfg.Bus.Driver))
	err = app.Listen(addr, iris.WithoutInterruptHandler, iris.WithoutServerError(iris.ErrServerClosed))

	stopGateway()
	gw.Shutdown()
	return err
}

// openBus 按配置选择广播总线驱动
func openBus(cfg *config.Config, log *zap.Logger) (broadcast.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		log.Warn("memory bus only fans out within this process")
		return broadcast.NewHub().Bus(), nil
	case "amqp":
		conn, err := mq.Dial(&cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		bus, err := broadcast.NewAMQPBus(conn, cfg.RabbitMQ.BroadcastExchange, log.Named("bus"))
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return &amqpBusConn{AMQPBus: bus, close: conn.Close}, nil
	case "redis", "":
		return broadcast.DialRedisBus(&cfg.Redis, log.Named("bus"))
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

// amqpBusConn 关闭总线时一并关闭底层连接
type amqpBusConn struct {
	*broadcast.AMQPBus
	close func() error
}

func (b *amqpBusConn) Close() error {
	err := b.AMQPBus.Close()
	if cerr := b.close(); err == nil {
		err = cerr
	}
	return err
}

// newVerifier JWT 校验，配置了缓存 TTL 时把解析结果缓存在 Redis
func newVerifier(cfg *config.Config, log *zap.Logger) (auth.Verifier, error) {
	if cfg.Auth.TokenCacheTTLSeconds <= 0 || cfg.Bus.Driver == "memory" {
		return auth.NewJWTVerifier(&cfg.JWT, nil, log.Named("auth")), nil
	}
	pool, err := redis.NewPool(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	ring := auth.NewRing(cfg.Auth.Nodes, cfg.Auth.HashReplicas)
	cache := auth.NewTokenCache(pool, ring, time.Duration(cfg.Auth.TokenCacheTTLSeconds)*time.Second)
	return auth.NewJWTVerifier(&cfg.JWT, cache, log.Named("auth")), nil
}

// startRetention 在本进程内运行清理调度器，任务投递到 RabbitMQ 由 retention-worker 消费
func startRetention(ctx context.Context, cfg *config.Config, rooms retention.RoomLister, log *zap.Logger) (func(), error) {
	conn, err := mq.Dial(&cfg.RabbitMQ)
	if err != nil {
		return nil, err
	}
	pub, err := retention.NewAMQPPublisher(conn, cfg.RabbitMQ.RetentionQueue)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sched, err := retention.NewScheduler(cfg.Retention, rooms, pub, log)
	if err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()
	return func() {
		<-done
		_ = pub.Close()
		_ = conn.Close()
	}, nil
}
