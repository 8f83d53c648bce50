package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultIssuer   = "attendance-system"
	DefaultAudience = "student-app"
	DefaultTTL      = 90 * time.Second
)

// ErrInvalid is the only error Verify reports. Callers must not learn which
// check failed.
var ErrInvalid = errors.New("invalid or expired QR code")

// Claim is the session assertion carried by a QR token. It says a session
// was open at issuance; it says nothing about the student.
type Claim struct {
	SessionID string
	ConfigID  string
	OwnerID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Nonce     string
}

type qrClaims struct {
	SessionID string `json:"sid"`
	ConfigID  string `json:"cid"`
	OwnerID   string `json:"oid"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

// Codec signs and verifies QR session tokens.
type Codec struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// Option customises a Codec.
type Option func(*Codec)

// WithClock replaces the wall clock used for issuance and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIssuer overrides the pinned issuer and audience tags.
func WithIssuer(issuer, audience string) Option {
	return func(c *Codec) {
		if issuer != "" {
			c.issuer = issuer
		}
		if audience != "" {
			c.audience = audience
		}
	}
}

// NewCodec derives the signing key from secret and returns a codec whose
// tokens live for ttl.
func NewCodec(secret string, ttl time.Duration, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("token: secret required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("qr-session-token"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	c := &Codec{
		key:      key,
		issuer:   DefaultIssuer,
		audience: DefaultAudience,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue signs claim and returns the token with its expiry, never less than
// TTL away. IssuedAt, Nonce and ExpiresAt on the input are ignored.
func (c *Codec) Issue(claim Claim) (string, time.Time, error) {
	if claim.SessionID == "" || claim.ConfigID == "" {
		return "", time.Time{}, errors.New("token: session and config id required")
	}
	nonce, err := randomHex(16)
	if err != nil {
		return "", time.Time{}, err
	}
	now := c.now()
	exp := signedExpiry(now.Add(c.ttl))
	claims := qrClaims{
		SessionID: claim.SessionID,
		ConfigID:  claim.ConfigID,
		OwnerID:   claim.OwnerID,
		Nonce:     nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			Subject:   claim.SessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, issuer, audience and expiry and returns the
// decoded claim. Every failure is reported as ErrInvalid.
func (c *Codec) Verify(tokenStr string) (Claim, error) {
	if tokenStr == "" {
		return Claim{}, ErrInvalid
	}
	var claims qrClaims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return Claim{}, ErrInvalid
	}
	if claims.SessionID == "" || claims.ConfigID == "" {
		return Claim{}, ErrInvalid
	}
	out := Claim{
		SessionID: claims.SessionID,
		ConfigID:  claims.ConfigID,
		OwnerID:   claims.OwnerID,
		Nonce:     claims.Nonce,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// signedExpiry rounds exp up to the whole second a NumericDate can carry so
// the signed and returned expiries are the same instant.
func signedExpiry(exp time.Time) time.Time {
	if t := exp.Truncate(time.Second); t.Before(exp) {
		return t.Add(time.Second)
	}
	return exp
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
