// Package token issues and verifies HS256 identity tokens. Tokens are
// self-contained: a token is valid while its signature verifies under the
// current key and the wall clock is before its expiry. There is no revocation.
package token

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
	"careflow/pkg/platform/sentinel"
)

const defaultTTL = 15 * time.Minute

// Claims are the JWT claims of an identity token. Subject, IssuedAt and
// ExpiresAt live in the registered claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is what a verified token asserts.
type Identity struct {
	Subject string
	Role    domain.Role
}

// Token is a freshly issued, signed token.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Identity  Identity
}

// LoginRequest asks for a token for Subject. An empty Role requests the
// subject's granted role.
type LoginRequest struct {
	Subject  string
	Password string
	Role     domain.Role
}

type Service struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	creds      CredentialStore
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithClock replaces the wall clock used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New builds a Service. The signing key is copied and never changes afterwards;
// creds may be nil for verify-only use (the edge router).
func New(signingKey string, creds CredentialStore, opts ...Option) *Service {
	s := &Service{
		signingKey: []byte(signingKey),
		issuer:     "careflow",
		ttl:        defaultTTL,
		creds:      creds,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) TTL() time.Duration { return s.ttl }

// Issue checks credentials and signs a token for the requested role.
func (s *Service) Issue(ctx context.Context, req LoginRequest) (*Token, error) {
	if s.creds == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "token issuance not configured")
	}
	if req.Subject == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	cred, err := s.creds.FindBySubject(ctx, req.Subject)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credentials")
	}
	if !checkPassword(cred, req.Password) {
		return nil, ErrInvalidCredentials
	}

	role := req.Role
	if role == "" {
		role = cred.Role
	}
	if !role.IsValid() || !cred.Role.Includes(role) {
		s.logger.WarnContext(ctx, "role escalation refused",
			"subject", req.Subject,
			"requested_role", role,
		)
		return nil, ErrInvalidCredentials
	}

	return s.sign(Identity{Subject: cred.Subject, Role: role})
}

func (s *Service) sign(id Identity) (*Token, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Role: id.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign token")
	}
	return &Token{
		Value:     signed,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
		Identity:  id,
	}, nil
}

// Verify checks signature then expiry, with no leeway.
func (s *Service) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMalformed
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Identity{}, ErrInvalidSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return Identity{}, ErrExpiredToken
		default:
			return Identity{}, ErrMalformed
		}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Identity{}, ErrMalformed
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return Identity{}, ErrMalformed
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}
