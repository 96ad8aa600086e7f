package token

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ---- Public types ----

// Claims is the payload carried by every gateway token. The upstream never
// sees these; they exist so the gate can attribute requests to a user.
type Claims struct {
	UserID string `json:"userid"`
	Role   string `json:"role"`
	System string `json:"system"`
	jwt.RegisteredClaims
}

// Service signs and verifies gateway tokens. Verification is stateless;
// nothing is persisted between calls.
type Service struct {
	secret       []byte
	clientSecret []byte
	system       string
	ttl          time.Duration
}

// ---- Errors (exported for callers/tests) ----

var (
	ErrClientSecret     = errors.New("client secret mismatch")
	ErrEmptyToken       = errors.New("empty token")
	ErrTokenExpired     = errors.New("token expired")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrTokenMalformed   = errors.New("token malformed")
)

// ---- Constructor ----

func NewService(secret, clientSecret, system string, ttl time.Duration) (*Service, error) {
	if len(secret) < 16 {
		return nil, errors.New("signing secret too short; need >=16 bytes")
	}
	if clientSecret == "" {
		return nil, errors.New("client secret required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if system == "" {
		system = "bestv-tvcms"
	}
	return &Service{
		secret:       []byte(secret),
		clientSecret: []byte(clientSecret),
		system:       system,
		ttl:          ttl,
	}, nil
}

// ---- Operations ----

func (s *Service) TTL() time.Duration { return s.ttl }

// CheckClientSecret gates token issuance on the shared exchange secret.
func (s *Service) CheckClientSecret(secret string) error {
	if subtle.ConstantTimeCompare([]byte(secret), s.clientSecret) != 1 {
		return ErrClientSecret
	}
	return nil
}

// Issue mints a signed token for userID with the configured TTL. An empty
// userID is recorded as "guest".
func (s *Service) Issue(userID string) (string, error) {
	if userID == "" {
		userID = "guest"
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   "user",
		System: s.system,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks signature and time-based claims. Expiry, bad signature, and
// garbage input come back as distinct errors so logs and tests can tell them
// apart; the gate collapses all of them into a 403.
func (s *Service) Verify(tok string) (*Claims, error) {
	if tok == "" {
		return nil, ErrEmptyToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
	)
	var claims Claims
	t, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrSignatureInvalid
		default:
			return nil, ErrTokenMalformed
		}
	}
	if !t.Valid {
		return nil, ErrTokenMalformed
	}
	return &claims, nil
}
