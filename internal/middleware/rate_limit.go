package middleware

import (
	"sync"
	"time"

	"github.com/kataras/iris/v12"
	"golang.org/x/time/rate"
)

// UserIDKey 鉴权中间件写入 ctx.Values() 的用户 id 键
const UserIDKey = "user_id"

// KeyedLimiter 按调用方分别维护令牌桶
type KeyedLimiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	limiters map[string]*keyedEntry
	lastGC   time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter 创建限流器，每个 key 每秒补充 rps 个令牌，容量 burst
func NewKeyedLimiter(rps float64, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		limiters: make(map[string]*keyedEntry),
		lastGC:   time.Now(),
	}
}

// Allow 检查 key 是否还有令牌
func (l *KeyedLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	// 定期回收长时间不活跃的桶
	if now.Sub(l.lastGC) > l.idle {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.idle {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	e, ok := l.limiters[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len 当前维护的桶数量
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// RateLimitMiddleware 限流中间件，已登录按用户限流，否则按来源 IP
func RateLimitMiddleware(l *KeyedLimiter) iris.Handler {
	return func(ctx iris.Context) {
		key := ctx.Values().GetString(UserIDKey)
		if key == "" {
			key = "ip:" + ctx.RemoteAddr()
		}
		if !l.Allow(key) {
			ctx.StopWithJSON(iris.StatusTooManyRequests, iris.Map{
				"code": iris.StatusTooManyRequests,
				"msg":  "请求过于频繁，请稍后再试",
			})
			return
		}
		ctx.Next()
	}
}
