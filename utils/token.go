package utils

import (
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const RoleOpsAdmin = "ops_admin"

type JwtCustomClaim struct {
	ID   int    `json:"id"`
	Role string `json:"role"`
	jwt.StandardClaims
}

// JwtGenerate issues an HS256 token for the ops endpoints.
func JwtGenerate(secret string, userID int, role string, lifespan time.Duration) (string, error) {
	if secret == "" {
		return "", ErrorEmptySecret
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		ID:   userID,
		Role: role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(lifespan).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString([]byte(secret))
}

func JwtValidate(secret string, token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return []byte(secret), nil
	})
}
