package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// claimsKey is where the auth middleware parks the verified claims on the
// gin context.
const claimsKey = "homeroom.claims"

// sessionClaims is the payload of a signed session token. The identity
// fields ride along so /auth/me and the event channel never need a store
// lookup.
type sessionClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// mintToken signs a session token for the account.
func (s *Server) mintToken(a *account) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		UserID: a.ID,
		Email:  a.Email,
		Name:   a.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "homeroom",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
}

// parseToken verifies the signature and expiry and returns the claims.
func (s *Server) parseToken(tokenString string) (*sessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// authMiddleware rejects requests without a valid bearer token and exposes
// the claims to handlers.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := s.parseToken(bearerToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// requestClaims fetches what authMiddleware stored.
func requestClaims(c *gin.Context) *sessionClaims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*sessionClaims)
	return claims
}

// bearerToken extracts the token from an Authorization: Bearer header, or
// returns the empty string.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
