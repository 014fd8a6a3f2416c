package common

import (
	"context"
	"fmt"
	"os"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Do(method, path string, body any) error
	SetToken(token string)
	LastStatus() int
	LastBody() []byte
	LastHeader(name string) string
	ResponseField(path string) (any, error)
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^I am logged in as "([^"]*)" with password "([^"]*)"$`, steps.loginAs)
	ctx.Step(`^I am logged in as the configured (clerk|admin)$`, steps.loginConfigured)
	ctx.Step(`^I am not logged in$`, steps.notLoggedIn)
	ctx.Step(`^I send a bearer token "([^"]*)"$`, steps.useRawToken)

	ctx.Step(`^I (GET|POST|DELETE) "([^"]*)"$`, steps.request)

	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, steps.fieldShouldBe)
	ctx.Step(`^the response header "([^"]*)" should be set$`, steps.headerShouldBeSet)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) loginAs(ctx context.Context, subject, password string) error {
	s.tc.SetToken("")
	if err := s.tc.Do("POST", "/auth/login", map[string]string{
		"subject":  subject,
		"password": password,
	}); err != nil {
		return err
	}
	if s.tc.LastStatus() != 200 {
		return fmt.Errorf("login as %s: status %d: %s", subject, s.tc.LastStatus(), s.tc.LastBody())
	}
	tok, err := s.tc.ResponseField("access_token")
	if err != nil {
		return err
	}
	s.tc.SetToken(fmt.Sprint(tok))
	return nil
}

// loginConfigured reads CAREFLOW_E2E_<ROLE>_SUBJECT and _PASSWORD.
func (s *commonSteps) loginConfigured(ctx context.Context, role string) error {
	prefix := "CAREFLOW_E2E_CLERK"
	if role == "admin" {
		prefix = "CAREFLOW_E2E_ADMIN"
	}
	subject, password := os.Getenv(prefix+"_SUBJECT"), os.Getenv(prefix+"_PASSWORD")
	if subject == "" || password == "" {
		return fmt.Errorf("%s_SUBJECT and %s_PASSWORD must be set", prefix, prefix)
	}
	return s.loginAs(ctx, subject, password)
}

func (s *commonSteps) notLoggedIn(ctx context.Context) error {
	s.tc.SetToken("")
	return nil
}

func (s *commonSteps) useRawToken(ctx context.Context, token string) error {
	s.tc.SetToken(token)
	return nil
}

func (s *commonSteps) request(ctx context.Context, method, path string) error {
	return s.tc.Do(method, path, nil)
}

func (s *commonSteps) statusShouldBe(ctx context.Context, want int) error {
	if got := s.tc.LastStatus(); got != want {
		return fmt.Errorf("expected status %d, got %d: %s", want, got, s.tc.LastBody())
	}
	return nil
}

func (s *commonSteps) fieldShouldBe(ctx context.Context, path, want string) error {
	v, err := s.tc.ResponseField(path)
	if err != nil {
		return err
	}
	if got := fmt.Sprint(v); got != want {
		return fmt.Errorf("field %s: expected %q, got %q", path, want, got)
	}
	return nil
}

func (s *commonSteps) headerShouldBeSet(ctx context.Context, name string) error {
	if s.tc.LastHeader(name) == "" {
		return fmt.Errorf("header %s missing", name)
	}
	return nil
}
