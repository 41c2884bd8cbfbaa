package auth

import (
	"errors"
	"time"

	"vidrelay/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing token")
	ErrNotProducer  = errors.New("token does not grant producer access")
)

// ScopeProducer allows publishing media into the relay.
const ScopeProducer = "producer"

type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 producer tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// GenerateToken returns a producer token for subject.
func (i *TokenIssuer) GenerateToken(subject string) (string, error) {
	if err := validation.ValidateNonEmptyString(subject, "token subject"); err != nil {
		return "", err
	}
	now := i.now()
	claims := &Claims{
		Scope: ScopeProducer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

func (i *TokenIssuer) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthorizeProducer validates the token and checks its scope.
func (i *TokenIssuer) AuthorizeProducer(tokenString string) (*Claims, error) {
	claims, err := i.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Scope != ScopeProducer {
		return nil, ErrNotProducer
	}
	return claims, nil
}
