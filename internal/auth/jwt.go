package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/config"
)

// ErrAuthentication 凭证缺失、无效或过期
var ErrAuthentication = errors.New("authentication failed")

// RoleAdmin 管理员角色，可执行清理等特权操作
const RoleAdmin = "ADMIN"

// Identity 经过校验的调用方身份
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	IsHost bool   `json:"isHost"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// IsAdmin 是否为管理员
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// Claims JWT 载荷
type Claims struct {
	Identity
	jwt.RegisteredClaims
}

// Verifier 校验凭证并返回身份
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// IssueToken 签发 JWT（开发与测试使用，生产环境由身份服务签发）
func IssueToken(cfg *config.JWTConfig, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Identity: id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// ParseToken 解析 JWT，仅接受 HS256
func ParseToken(cfg *config.JWTConfig, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// JWTVerifier 基于 HMAC 密钥的校验器，可选挂载 Redis 缓存
type JWTVerifier struct {
	cfg   *config.JWTConfig
	cache *TokenCache
	log   *zap.Logger
}

// NewJWTVerifier 创建校验器，cache 为空时每次都完整解析
func NewJWTVerifier(cfg *config.JWTConfig, cache *TokenCache, log *zap.Logger) *JWTVerifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTVerifier{cfg: cfg, cache: cache, log: log}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthentication)
	}

	if v.cache != nil {
		claims, ok, err := v.cache.Get(ctx, token)
		if err != nil {
			// 缓存不可用时降级为直接解析
			v.log.Warn("token cache get failed", zap.Error(err))
		} else if ok && claims.ExpiresAt != nil && claims.ExpiresAt.After(time.Now()) {
			id := claims.Identity
			return &id, nil
		}
	}

	claims, err := ParseToken(v.cfg, token)
	if err != nil {
		return nil, err
	}
	if v.cache != nil {
		if err := v.cache.Set(ctx, token, claims); err != nil {
			v.log.Warn("token cache set failed", zap.Error(err))
		}
	}
	id := claims.Identity
	return &id, nil
}
