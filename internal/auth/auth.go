// Package auth verifies caller identities (HS256 JWTs issued by the account
// service) and the shared token the watermark worker presents on callbacks.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"invisimark/internal/models"
)

const (
	identityKey         = "auth.identity"
	InternalTokenHeader = "X-Internal-Token"
)

type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	return &Authenticator{secret: []byte(secret)}, nil
}

// Issue signs a token for identity. The account service normally does this;
// it is used by tests and local tooling.
func (a *Authenticator) Issue(identity models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:    identity.Subject,
		Email: identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Verify(token string) (models.Identity, error) {
	const op = "auth.Verify"

	if token == "" {
		return models.Identity{}, fmt.Errorf("%s: %w: missing token", op, models.ErrUnauthenticated)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Identity{}, fmt.Errorf("%s: %w: %v", op, models.ErrUnauthenticated, err)
	}
	if claims.ID == "" {
		return models.Identity{}, fmt.Errorf("%s: %w: token has no subject", op, models.ErrUnauthenticated)
	}
	return models.Identity{Subject: claims.ID, Email: claims.Email}, nil
}

// RequireIdentity accepts a bearer token or a token query parameter, the
// latter for plain download links.
func (a *Authenticator) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("token")
		}
		identity, err := a.Verify(token)
		if err != nil {
			unauthorized(c, "missing or invalid token")
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return models.Identity{}, false
	}
	identity, ok := v.(models.Identity)
	return identity, ok
}

// RequireInternalToken rejects requests whose internal token header does not
// match. It runs before the handler looks anything up.
func RequireInternalToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !TokenMatches(token, c.GetHeader(InternalTokenHeader)) {
			unauthorized(c, "invalid internal token")
			return
		}
		c.Next()
	}
}

func TokenMatches(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"code": models.KindOf(models.ErrUnauthenticated), "message": msg},
	})
}
