package ratelimit

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Do(method, path string, body any) error
	LastStatus() int
	LastHeader(name string) string
}

// RegisterSteps covers the edge router's per-client request window. The stack
// under test must run with GATEWAY_RATE_LIMIT set.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ratelimitSteps{tc: tc}

	ctx.Step(`^I GET "([^"]*)" until I am throttled, at most (\d+) times$`, steps.getUntilThrottled)
	ctx.Step(`^the request should have been throttled$`, steps.shouldBeThrottled)
}

type ratelimitSteps struct {
	tc        TestContext
	throttled bool
}

func (s *ratelimitSteps) getUntilThrottled(ctx context.Context, path string, limit int) error {
	s.throttled = false
	for range limit {
		if err := s.tc.Do("GET", path, nil); err != nil {
			return err
		}
		if s.tc.LastStatus() == 429 {
			s.throttled = true
			return nil
		}
	}
	return nil
}

func (s *ratelimitSteps) shouldBeThrottled(ctx context.Context) error {
	if !s.throttled {
		return fmt.Errorf("never throttled")
	}
	if s.tc.LastHeader("Retry-After") == "" {
		return fmt.Errorf("429 without Retry-After")
	}
	return nil
}
