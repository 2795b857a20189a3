// Package identity validates trader credentials. The engine treats it as an
// external collaborator: a credential goes in, a validated identity comes out.
package identity

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/dgrijalva/jwt-go/v4"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is a validated user.
type Identity struct {
	ID     string
	Email  string
	Active bool
}

// Authenticator turns a credential into a validated identity.
type Authenticator interface {
	Authenticate(credential string) (*Identity, error)
}

type sessionClaims struct {
	jwt.StandardClaims
	Email string `json:"email"`
}

// JWT authenticates HS256 session tokens carried in the jwt_token cookie.
type JWT struct {
	secret []byte
	ttl    time.Duration
}

func NewJWT(secret string, ttl time.Duration) *JWT {
	return &JWT{secret: []byte(secret), ttl: ttl}
}

// TTL is the lifetime IssueToken stamps on new tokens.
func (a *JWT) TTL() time.Duration { return a.ttl }

// IssueToken mints a session token for a logged-in user.
func (a *JWT) IssueToken(userID, email string) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			IssuedAt:  jwt.At(now),
			ExpiresAt: jwt.At(now.Add(a.ttl)),
		},
		Email: email,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Authenticate validates a session token. Expired, malformed, or wrongly
// signed tokens all come back as ErrUnauthenticated.
func (a *JWT) Authenticate(credential string) (*Identity, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return &Identity{ID: claims.Subject, Email: claims.Email, Active: true}, nil
}
