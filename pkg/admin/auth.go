package admin

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the JWT payload for an admin session.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// AuthService issues and validates bearer tokens for the admin surface
// (§6.1). Local-only: unlike the monitoring console this is descended
// from, there is no LDAP back-end here, since the admin interface has
// exactly one operator role.
type AuthService struct {
	secret      []byte
	tokenExpiry time.Duration
	users       map[string]string // username -> bcrypt hash
}

// NewAuthService builds an AuthService from configured admin accounts.
func NewAuthService(secret string, tokenExpiry time.Duration, users map[string]string) *AuthService {
	return &AuthService{secret: []byte(secret), tokenExpiry: tokenExpiry, users: users}
}

// Login verifies username/password and returns a signed token.
func (a *AuthService) Login(username, password string) (string, error) {
	hash, ok := a.users[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	expiresAt := time.Now().Add(a.tokenExpiry)
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and verifies a bearer token, returning the
// authenticated username.
func (a *AuthService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}

// HashPassword bcrypt-hashes an admin password for config generation
// (e.g. a provisioning CLI); not called at request time.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
