// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidSignature = errors.New("invalid cookie signature")
	ErrInvalidToken     = errors.New("invalid token format")
)

// signatureSeparator splits a signed cookie value from its MAC
const signatureSeparator = "."

// GenerateID creates a random hex ID of the specified byte length
func GenerateID(byteLen int) (string, error) {
	b := make([]byte, byteLen)
	_, err := rand.Read(b)
	if err != nil {
		return "", fmt.Errorf("failed to generate random ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateUUID returns a random UUID string for study and result UUIDs
func GenerateUUID() string {
	return uuid.NewString()
}

// GenerateConfirmationCode creates the code a worker gets after a successful run.
// MTurk workers paste it back into the HIT, so it stays short and unambiguous.
func GenerateConfirmationCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// sign computes the URL-safe HMAC of value
func sign(value, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(value))
	return strings.TrimRight(base64.URLEncoding.EncodeToString(h.Sum(nil)), "=")
}

// SignCookieValue appends an HMAC so the value can be verified when it comes back
func SignCookieValue(value, secret string) string {
	return value + signatureSeparator + sign(value, secret)
}

// VerifyCookieValue checks the HMAC of a signed value and returns the payload
func VerifyCookieValue(signed, secret string) (string, error) {
	i := strings.LastIndex(signed, signatureSeparator)
	if i < 0 {
		return "", ErrInvalidSignature
	}
	value, mac := signed[:i], signed[i+1:]
	if !hmac.Equal([]byte(mac), []byte(sign(value, secret))) {
		return "", ErrInvalidSignature
	}
	return value, nil
}

// AdminClaims identify a study member who runs a study as a Jatos worker
type AdminClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// SignAdminToken issues an HS256 token for the given user email
func SignAdminToken(email, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken validates an admin token and returns its claims
func ParseAdminToken(tok, secret string) (*AdminClaims, error) {
	t, err := jwt.ParseWithClaims(tok, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*AdminClaims); ok && t.Valid && c.Email != "" {
		return c, nil
	}
	return nil, ErrInvalidToken
}

// HashIP creates a one-way hash of an IP address for privacy
// Includes salt to prevent rainbow table attacks
func HashIP(ip, salt string) string {
	h := hmac.New(sha256.New, []byte(salt))
	h.Write([]byte(ip))
	sum := h.Sum(nil)
	// Return first 16 hex chars (64 bits) - enough for deduplication
	return hex.EncodeToString(sum[:8])
}
