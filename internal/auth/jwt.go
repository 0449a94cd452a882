// Package auth verifies the handshake tokens presented by receiver
// connections and mints them for operators.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"notifyd/internal/notify"
)

var (
	ErrNoSecret     = errors.New("auth: secret not configured")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingID    = errors.New("auth: token has no receiver id")
)

// Claims is what a verified token grants a connection.
type Claims struct {
	Receiver notify.ReceiverID
	// Telegram is the linked bot chat id, empty when the token has none.
	Telegram string
}

// Verifier checks a handshake token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (Claims, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (Claims, error) { return f(ctx, token) }

type tokenClaims struct {
	ID       any `json:"id"`
	Telegram any `json:"telegram,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HMAC-signed tokens carrying an "id" claim.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

func NewJWTVerifier(secret string, leeway time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), leeway: leeway}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return Claims{}, ErrNoSecret
	}
	opts := []jwt.ParserOption{jwt.WithJSONNumber()}
	if v.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.leeway))
	}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	id, ok := notify.ParseReceiverID(tc.ID)
	if !ok {
		return Claims{}, ErrMissingID
	}
	out := Claims{Receiver: id}
	if chat, ok := notify.ParseReceiverID(tc.Telegram); ok {
		out.Telegram = chat.String()
	}
	return out, nil
}

// Issuer signs tokens with the same secret a JWTVerifier checks.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for receiver. telegram may be empty. A ttl <= 0 issues
// a token without expiry.
func (i *Issuer) Issue(receiver notify.ReceiverID, telegram string) (string, error) {
	if i == nil || len(i.secret) == 0 {
		return "", ErrNoSecret
	}
	if strings.TrimSpace(receiver.String()) == "" {
		return "", ErrMissingID
	}
	now := i.now()
	tc := tokenClaims{
		ID: receiver.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if telegram = strings.TrimSpace(telegram); telegram != "" {
		tc.Telegram = telegram
	}
	if i.ttl > 0 {
		tc.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(i.secret)
}
