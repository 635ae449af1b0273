package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/example/chatgateway/internal/auth"
	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/infra/redis"
)

// 开发用：签发测试 JWT，并演示一致性哈希选出的缓存节点
func main() {
	configPath := flag.String("config", "./config/config.yaml", "配置文件路径")
	userID := flag.String("user", "", "用户 id")
	role := flag.String("role", "USER", "角色，ADMIN 可调用清理接口")
	host := flag.Bool("host", false, "是否为主持人")
	ttl := flag.Duration("ttl", 24*time.Hour, "有效期")
	warm := flag.Bool("warm-cache", false, "签发后写入 Redis 校验缓存")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.IssueToken(&cfg.JWT, auth.Identity{UserID: *userID, Role: *role, IsHost: *host}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}

	ring := auth.NewRing(cfg.Auth.Nodes, cfg.Auth.HashReplicas)
	fmt.Fprintln(os.Stderr, "cache node:", ring.Node(token))

	if *warm {
		pool, err := redis.NewPool(&cfg.Redis)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer pool.Close()
		cache := auth.NewTokenCache(pool, ring, time.Duration(cfg.Auth.TokenCacheTTLSeconds)*time.Second)
		verifier := auth.NewJWTVerifier(&cfg.JWT, cache, nil)
		if _, err := verifier.Verify(context.Background(), token); err != nil {
			fmt.Fprintf(os.Stderr, "verify: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Println(token)
}
