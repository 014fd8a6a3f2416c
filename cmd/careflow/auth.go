package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"careflow/internal/platform/httpserver"
	"careflow/internal/token"
	tokenhandler "careflow/internal/token/handler"
)

func authCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Run the token service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.tokenService()
			if err != nil {
				return err
			}
			return a.runAuth(cmd.Context(), svc)
		},
	}
}

// tokenService builds the issuer and verifier. The signing key is read once
// here.
func (a *app) tokenService() (*token.Service, error) {
	if err := a.cfg.ValidateToken(); err != nil {
		return nil, err
	}
	creds, err := token.ParseCredentials(a.cfg.Token.Users)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_USERS: %w", err)
	}
	if len(creds) == 0 {
		a.logger.Warn("no credentials configured, every login will fail")
	}
	return token.New(a.cfg.Token.SigningKey, token.NewMemoryCredentials(creds...),
		token.WithTTL(a.cfg.Token.TTL),
		token.WithIssuer(a.cfg.Token.Issuer),
		token.WithLogger(a.logger),
	), nil
}

func (a *app) runAuth(ctx context.Context, svc *token.Service) error {
	r := serviceRouter()
	tokenhandler.New(svc, a.logger).Register(r)
	a.metrics.MarkUp("auth")
	return httpserver.Run(ctx, httpserver.New(a.cfg.Token.Addr, r), a.logger)
}
