package auth

import (
	"time"

	coreerrors "planetchat/internal/core/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Claims JWT 声明
type Claims struct {
	UserID     string `json:"user_id"`
	DeviceType string `json:"device_type,omitempty"`
	jwt.RegisteredClaims
}

// Identity 已验证的用户身份
type Identity struct {
	UserID     string
	DeviceType string
	ExpiresAt  time.Time
}

// Config 鉴权配置
type Config struct {
	Secret    string        `yaml:"secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig 默认鉴权配置
func DefaultConfig() *Config {
	return &Config{
		TokenTTL:  24 * time.Hour,
		CacheSize: 4096,
		CacheTTL:  time.Minute,
	}
}

// Authenticator HS256 JWT 验证器
// 已验证令牌进短 TTL 缓存，握手热路径上省去重复的签名校验
type Authenticator struct {
	secret   []byte
	tokenTTL time.Duration
	cache    *expirable.LRU[string, *Identity]
	now      func() time.Time
}

// NewAuthenticator 创建验证器
func NewAuthenticator(cfg *Config) (*Authenticator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Secret == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidParam, "auth secret must not be empty")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		tokenTTL: tokenTTL,
		cache:    expirable.NewLRU[string, *Identity](size, nil, ttl),
		now:      time.Now,
	}, nil
}

// Verify 验证令牌并返回用户身份
func (a *Authenticator) Verify(token string) (*Identity, error) {
	if token == "" {
		return nil, coreerrors.New(coreerrors.CodeInvalidToken, "empty token")
	}

	if id, ok := a.cache.Get(token); ok {
		// 缓存 TTL 内令牌本身也可能到期，命中后仍需检查
		if a.now().Before(id.ExpiresAt) {
			return id, nil
		}
		a.cache.Remove(token)
		return nil, coreerrors.New(coreerrors.CodeTokenExpired, "token expired")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, coreerrors.Newf(coreerrors.CodeInvalidToken, "unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if coreerrors.Is(err, jwt.ErrTokenExpired) {
			return nil, coreerrors.Wrap(err, coreerrors.CodeTokenExpired, "token expired")
		}
		return nil, coreerrors.Wrap(err, coreerrors.CodeInvalidToken, "invalid token")
	}
	if !parsed.Valid || claims.UserID == "" || claims.ExpiresAt == nil {
		return nil, coreerrors.New(coreerrors.CodeInvalidToken, "invalid token claims")
	}

	id := &Identity{
		UserID:     claims.UserID,
		DeviceType: claims.DeviceType,
		ExpiresAt:  claims.ExpiresAt.Time,
	}
	a.cache.Add(token, id)
	return id, nil
}

// GenerateToken 签发令牌
func (a *Authenticator) GenerateToken(userID, deviceType string) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID:     userID,
		DeviceType: deviceType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CodeInternal, "failed to sign token")
	}
	return signed, nil
}
