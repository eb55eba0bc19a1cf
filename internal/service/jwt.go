package service

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ServiceAuth verifies the X-Service-Token presented by calling services.
// A token is either a configured static secret or an HS256 JWT whose "svc"
// claim names the service.
type ServiceAuth struct {
	static map[string]string // service name -> token
	secret []byte
	now    func() time.Time
}

func NewServiceAuth(static map[string]string, jwtSecret string) *ServiceAuth {
	return &ServiceAuth{static: static, secret: []byte(jwtSecret), now: time.Now}
}

// ParseStaticTokens parses "name:token,name2:token2"
func ParseStaticTokens(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("invalid service token entry %q, want name:token", pair)
		}
		out[name] = token
	}
	return out, nil
}

// Authenticate returns the calling service's name
func (a *ServiceAuth) Authenticate(token string) (string, error) {
	if token == "" {
		return "", errors.New("missing service token")
	}

	// compare against every entry so timing does not leak which one matched
	var matched string
	for name, want := range a.static {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1 {
			matched = name
		}
	}
	if matched != "" {
		return matched, nil
	}

	if len(a.secret) == 0 {
		return "", errors.New("invalid service token")
	}
	return a.parseJWT(token)
}

// Mint issues a service JWT valid for ttl
func (a *ServiceAuth) Mint(service string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("JWT secret is not configured")
	}
	if service == "" {
		return "", errors.New("service name is required")
	}

	now := a.now()
	claims := jwt.MapClaims{
		"svc": service,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *ServiceAuth) parseJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())

	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	svc, ok := claims["svc"].(string)
	if !ok || svc == "" {
		return "", errors.New("svc not found")
	}

	return svc, nil
}
