package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "authrisk/internal/errors"
	"authrisk/internal/middleware"
)

// RoleAdmin may use the /api/v1/admin routes
const RoleAdmin = "admin"

// Claims are the admin token claims
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager issues and validates HS256 admin tokens
type JWTManager struct {
	secret   []byte
	issuer   string
	duration time.Duration
}

// NewJWTManager creates a JWT manager. An empty secret disables token issuance and validation.
func NewJWTManager(secret, issuer string, duration time.Duration) *JWTManager {
	if duration <= 0 {
		duration = time.Hour
	}
	return &JWTManager{secret: []byte(secret), issuer: issuer, duration: duration}
}

// GenerateToken signs a token for subject with role
func (m *JWTManager) GenerateToken(subject, role string) (string, error) {
	if len(m.secret) == 0 {
		return "", fmt.Errorf("jwt secret is not configured")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.duration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken parses and verifies a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, fmt.Errorf("jwt secret is not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// AdminMiddleware requires a valid admin bearer token. The alert stream
// may pass it as ?access_token= because browsers cannot set WebSocket headers.
func (m *JWTManager) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			middleware.Abort(c, apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "missing bearer token", nil))
			return
		}
		claims, err := m.ValidateToken(token)
		if err != nil {
			middleware.Abort(c, apperrors.NewAppError(apperrors.ErrCodeUnauthorized, "invalid token", err))
			return
		}
		if claims.Role != RoleAdmin {
			middleware.Abort(c, apperrors.NewAppError(apperrors.ErrCodeForbidden, "admin role required", nil))
			return
		}
		c.Set(middleware.ContextKeySubject, claims.Subject)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("access_token")
}
