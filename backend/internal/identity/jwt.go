package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/webodf/Kotype/backend/internal/model"
)

const (
	TokenTypeAccess = "access"
	devSecret       = "dev-secret"
)

var ErrWrongTokenType = errors.New("access token required")

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Identity string `json:"identity,omitempty"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

func (c *Claims) User() *model.User {
	name := c.Name
	if name == "" {
		name = c.Username
	}
	return &model.User{
		ID:        c.UserID,
		Username:  c.Username,
		Name:      name,
		Color:     c.Color,
		AvatarURL: c.Avatar,
		Identity:  c.Identity,
	}
}

// Signer signs and verifies HS256 access tokens with a shared secret.
type Signer struct {
	secret []byte
}

// NewSigner falls back to a development secret when secret is empty.
func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = devSecret
	}
	return &Signer{secret: []byte(secret)}
}

func (s *Signer) Sign(u *model.User, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := &Claims{
		UserID:   u.ID,
		Username: u.Username,
		Name:     u.Name,
		Color:    u.Color,
		Avatar:   u.AvatarURL,
		Identity: u.Identity,
		Type:     TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse verifies an access token and returns its claims.
func (s *Signer) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != TokenTypeAccess {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
