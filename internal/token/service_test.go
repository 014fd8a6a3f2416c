package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"careflow/pkg/domain"
	dErrors "careflow/pkg/domain-errors"
)

const testKey = "test-signing-key-0123456789abcdef"

type TokenServiceSuite struct {
	suite.Suite
	now   time.Time
	creds *MemoryCredentials
	svc   *Service
}

func TestTokenServiceSuite(t *testing.T) {
	suite.Run(t, new(TokenServiceSuite))
}

func (s *TokenServiceSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.creds = NewMemoryCredentials()
	s.Require().NoError(s.creds.Put("alice", "correct horse", domain.RoleAdmin))
	s.Require().NoError(s.creds.Put("bob", "battery staple", domain.RoleUser))
	s.svc = New(testKey, s.creds,
		WithTTL(10*time.Minute),
		WithClock(func() time.Time { return s.now }),
	)
}

func (s *TokenServiceSuite) issue(subject, password string, role domain.Role) *Token {
	tok, err := s.svc.Issue(context.Background(), LoginRequest{Subject: subject, Password: password, Role: role})
	s.Require().NoError(err)
	return tok
}

func (s *TokenServiceSuite) TestVerifyRoundTrip() {
	tok := s.issue("alice", "correct horse", domain.RoleAdmin)

	id, err := s.svc.Verify(tok.Value)
	s.Require().NoError(err)
	s.Equal(Identity{Subject: "alice", Role: domain.RoleAdmin}, id)
	s.Equal(s.now.Add(10*time.Minute), tok.ExpiresAt)
}

func (s *TokenServiceSuite) TestDefaultsToGrantedRole() {
	tok := s.issue("bob", "battery staple", "")
	s.Equal(domain.RoleUser, tok.Identity.Role)
}

func (s *TokenServiceSuite) TestAdminMayRequestUser() {
	tok := s.issue("alice", "correct horse", domain.RoleUser)
	s.Equal(domain.RoleUser, tok.Identity.Role)
}

func (s *TokenServiceSuite) TestInvalidCredentials() {
	cases := map[string]LoginRequest{
		"wrong password":  {Subject: "alice", Password: "nope"},
		"unknown subject": {Subject: "mallory", Password: "x"},
		"empty password":  {Subject: "alice"},
		"role escalation": {Subject: "bob", Password: "battery staple", Role: domain.RoleAdmin},
	}
	for name, req := range cases {
		s.Run(name, func() {
			_, err := s.svc.Issue(context.Background(), req)
			s.ErrorIs(err, ErrInvalidCredentials)
			s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		})
	}
}

func (s *TokenServiceSuite) TestExpiryHasNoLeeway() {
	tok := s.issue("alice", "correct horse", "")

	s.now = tok.ExpiresAt.Add(-time.Second)
	_, err := s.svc.Verify(tok.Value)
	s.NoError(err)

	s.now = tok.ExpiresAt
	_, err = s.svc.Verify(tok.Value)
	s.ErrorIs(err, ErrExpiredToken)

	s.now = tok.ExpiresAt.Add(time.Hour)
	_, err = s.svc.Verify(tok.Value)
	s.ErrorIs(err, ErrExpiredToken)
}

func (s *TokenServiceSuite) TestWrongKey() {
	tok := s.issue("alice", "correct horse", "")
	other := New("another-key-entirely-0123456789ab", nil, WithClock(func() time.Time { return s.now }))

	_, err := other.Verify(tok.Value)
	s.ErrorIs(err, ErrInvalidSignature)
}

func (s *TokenServiceSuite) TestTamperedPayload() {
	tok := s.issue("bob", "battery staple", "")
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "ADMIN",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "bob",
			Issuer:    "careflow",
			ExpiresAt: jwt.NewNumericDate(s.now.Add(time.Hour)),
		},
	})
	signed, err := forged.SignedString([]byte("guessed-key"))
	s.Require().NoError(err)

	_, err = s.svc.Verify(signed)
	s.ErrorIs(err, ErrInvalidSignature)
	_, err = s.svc.Verify(tok.Value)
	s.NoError(err)
}

func (s *TokenServiceSuite) TestMalformed() {
	for _, raw := range []string{"", "abc", "a.b.c"} {
		_, err := s.svc.Verify(raw)
		s.ErrorIs(err, ErrMalformed, raw)
	}
}

func (s *TokenServiceSuite) TestUnsignedTokenRejected() {
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             "ADMIN",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "eve", ExpiresAt: jwt.NewNumericDate(s.now.Add(time.Hour))},
	})
	signed, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	s.Require().NoError(err)

	_, err = s.svc.Verify(signed)
	s.Error(err)
}

func TestErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrExpiredToken, ErrInvalidSignature))
	assert.False(t, errors.Is(ErrMalformed, ErrInvalidCredentials))
}

func TestParseCredentials(t *testing.T) {
	m := NewMemoryCredentials()
	require.NoError(t, m.Put("carol", "pw", domain.RoleUser))
	c, err := m.FindBySubject(context.Background(), "carol")
	require.NoError(t, err)

	creds, err := ParseCredentials([]string{"carol:" + string(c.PasswordHash) + ":user"})
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, domain.RoleUser, creds[0].Role)
	assert.True(t, checkPassword(creds[0], "pw"))

	_, err = ParseCredentials([]string{"carol:plaintext:USER"})
	assert.Error(t, err)
	_, err = ParseCredentials([]string{"carol::USER"})
	assert.Error(t, err)
	_, err = ParseCredentials([]string{"carol:" + string(c.PasswordHash) + ":ROOT"})
	assert.Error(t, err)
}
