//go:build integration

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"careflow/internal/platform/postgres"
	"careflow/pkg/domain"
	"careflow/pkg/platform/sentinel"
	"careflow/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *PostgresStore
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T(), postgres.DriverPQ, Schema)
	s.store = NewPostgres(s.pg.DB)
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(s.ctx, "billing_accounts"))
}

func (s *PostgresStoreSuite) TestCreateAndFind() {
	pid := domain.NewPatientID()
	acc := newAccount(pid)
	s.Require().NoError(s.store.Create(s.ctx, acc))

	got, err := s.store.FindByPatient(s.ctx, pid)
	s.Require().NoError(err)
	s.Equal(acc.ID, got.ID)
	s.Equal(acc.Status, got.Status)
	s.True(acc.CreatedAt.Equal(got.CreatedAt))
}

func (s *PostgresStoreSuite) TestOneAccountPerPatient() {
	pid := domain.NewPatientID()
	s.Require().NoError(s.store.Create(s.ctx, newAccount(pid)))
	s.ErrorIs(s.store.Create(s.ctx, newAccount(pid)), sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestUpdate() {
	pid := domain.NewPatientID()
	acc := newAccount(pid)
	s.Require().NoError(s.store.Create(s.ctx, acc))

	acc.Status = "FAILED"
	acc.FailureReason = "chargeback"
	s.Require().NoError(s.store.Update(s.ctx, acc))

	got, err := s.store.FindByPatient(s.ctx, pid)
	s.Require().NoError(err)
	s.Equal("chargeback", got.FailureReason)

	s.ErrorIs(s.store.Update(s.ctx, newAccount(domain.NewPatientID())), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestFindMissing() {
	_, err := s.store.FindByPatient(s.ctx, domain.NewPatientID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
