package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// Identity is the authenticated party behind a request or socket.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) IsStaff() bool { return i.Role == RoleAdmin }

type JWTValidator struct {
	method    jwt.SigningMethod
	hsSecret  []byte
	publicKey *rsa.PublicKey
}

func NewJWTValidatorHS256(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("empty hs256 secret")
	}
	return &JWTValidator{method: jwt.SigningMethodHS256, hsSecret: []byte(secret)}, nil
}

// NewJWTValidatorRS256 loads an RSA public key from filesystem
func NewJWTValidatorRS256(pubPath string) (*JWTValidator, error) {
	b, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return NewJWTValidatorRS256PEM(b)
}

func NewJWTValidatorRS256PEM(b []byte) (*JWTValidator, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("invalid public PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not RSA public key")
	}
	return &JWTValidator{method: jwt.SigningMethodRS256, publicKey: rsaPub}, nil
}

func NewValidator(algorithm, secret, pubPath string) (*JWTValidator, error) {
	if strings.EqualFold(algorithm, "RS256") {
		return NewJWTValidatorRS256(pubPath)
	}
	return NewJWTValidatorHS256(secret)
}

// Validate parses the token and returns the identity it carries. The subject
// comes from "sub" with "user_id" as fallback; a missing role means user.
func (j *JWTValidator) Validate(tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, errors.New("empty token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != j.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if j.publicKey != nil {
			return j.publicKey, nil
		}
		return j.hsSecret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("invalid claims")
	}

	id, _ := claims["sub"].(string)
	if id == "" {
		id, _ = claims["user_id"].(string)
	}
	if id == "" {
		return Identity{}, errors.New("sub claim missing")
	}

	role := RoleUser
	if r, ok := claims["role"].(string); ok && r != "" {
		switch Role(strings.ToLower(r)) {
		case RoleUser, RoleAdmin, RoleService:
			role = Role(strings.ToLower(r))
		default:
			return Identity{}, fmt.Errorf("unknown role %q", r)
		}
	}
	return Identity{UserID: id, Role: role}, nil
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}
