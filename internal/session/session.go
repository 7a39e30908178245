// Package session implements a signed, stateless cookie that carries the
// last-known snapshot of an in-flight payment across the gateway round trip.
// Some gateways strip query parameters from the redirect back to the
// merchant; the cookie lets the status page recover which order the browser
// belongs to, and still render something sensible when the store read races
// the record creation, without trusting client input.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Cookie attributes shared by the handlers that set and read the context.
const (
	CookieName = "payment_ctx"
	MaxAge     = time.Hour
)

var (
	// ErrInvalidToken covers malformed, tampered, or unverifiable values.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrExpiredToken marks a structurally valid token past its lifetime.
	ErrExpiredToken = errors.New("expired session token")
)

// Context is the last-known order snapshot embedded in the cookie. OrderID
// is mandatory; the remaining fields feed the display fallback when the
// store cannot serve the record.
type Context struct {
	OrderID string `json:"order_id"`
	Amount  string `json:"amount,omitempty"`
	Mobile  string `json:"mobile,omitempty"`
	Email   string `json:"email,omitempty"`
}

type payload struct {
	Context
	IssuedAt int64 `json:"iat"`
}

// Codec signs and verifies order context tokens with HMAC-SHA256.
// The zero value is unusable; construct with NewCodec.
type Codec struct {
	secret []byte
	now    func() time.Time
}

// NewCodec builds a codec from the configured secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), now: time.Now}
}

// Encode produces a token binding sc to the current time.
func (c *Codec) Encode(sc Context) (string, error) {
	if sc.OrderID == "" {
		return "", ErrInvalidToken
	}
	body, err := json.Marshal(payload{Context: sc, IssuedAt: c.now().Unix()})
	if err != nil {
		return "", err
	}
	b64 := base64.RawURLEncoding.EncodeToString(body)
	return b64 + "." + c.sign(b64), nil
}

// Decode verifies the signature and lifetime of token and returns the
// embedded order context.
func (c *Codec) Decode(token string) (Context, error) {
	b64, sig, ok := strings.Cut(token, ".")
	if !ok || b64 == "" || sig == "" {
		return Context{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(b64))) {
		return Context{}, ErrInvalidToken
	}
	body, err := base64.RawURLEncoding.DecodeString(b64)
	if err != nil {
		return Context{}, ErrInvalidToken
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil || p.OrderID == "" {
		return Context{}, ErrInvalidToken
	}
	if c.now().Sub(time.Unix(p.IssuedAt, 0)) > MaxAge {
		return Context{}, ErrExpiredToken
	}
	return p.Context, nil
}

func (c *Codec) sign(b64 string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(b64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
