package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qiuyier/medlink-broker/internal/consts"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type Claims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"` // publisher, subscriber, admin
	// 允许访问的 topic，为空表示不限制
	Topics []string `json:"topics,omitempty"`
	jwt.RegisteredClaims
}

// CanPublish 订阅者角色不能发布
func (c *Claims) CanPublish() bool {
	return c.Role == consts.PublisherRole || c.Role == consts.AdminRole
}

// CanAccess 检查是否允许访问 topic
func (c *Claims) CanAccess(topic string) bool {
	if c.Role == consts.AdminRole || len(c.Topics) == 0 {
		return true
	}
	return slices.Contains(c.Topics, topic)
}

type JWTAuth struct {
	secret     []byte
	expireTime time.Duration
}

func NewJWTAuth(secret string, expireTime time.Duration) *JWTAuth {
	return &JWTAuth{
		secret:     []byte(secret),
		expireTime: expireTime,
	}
}

// GenerateToken 生成 token
func (j *JWTAuth) GenerateToken(clientID, role string, topics ...string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		Role:     role,
		Topics:   topics,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expireTime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(j.secret)
}

func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return j.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.ClientID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
