package onboarding

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Do(method, path string, body any) error
	LastStatus() int
	LastBody() []byte
	ResponseField(path string) (any, error)
	Remember(key, value string)
	Recall(key string) (string, error)
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &onboardingSteps{tc: tc}

	ctx.Step(`^I register a patient named "([^"]*)" on the "([^"]*)" plan$`, steps.register)
	ctx.Step(`^I fetch the patient$`, steps.fetch)
	ctx.Step(`^I move the patient to the "([^"]*)" plan$`, steps.changePlan)
	ctx.Step(`^I move the patient to the "([^"]*)" plan with a stale version$`, steps.changePlanStale)
	ctx.Step(`^I retry onboarding for the patient$`, steps.retry)

	ctx.Step(`^I note the analytics count for the "([^"]*)" plan$`, steps.noteCount)
	ctx.Step(`^analytics should count (\d+) more patients? on the "([^"]*)" plan within (\d+) seconds$`, steps.analyticsGrows)
}

type onboardingSteps struct {
	tc TestContext
}

func (s *onboardingSteps) register(ctx context.Context, name, plan string) error {
	if err := s.tc.Do("POST", "/patients", map[string]string{
		"name":          name,
		"date_of_birth": "1984-06-12",
		"plan":          plan,
	}); err != nil {
		return err
	}
	if id, err := s.tc.ResponseField("patient.id"); err == nil {
		s.tc.Remember("patient", fmt.Sprint(id))
	}
	return nil
}

func (s *onboardingSteps) patientPath(suffix string) (string, error) {
	id, err := s.tc.Recall("patient")
	if err != nil {
		return "", err
	}
	return "/patients/" + id + suffix, nil
}

func (s *onboardingSteps) fetch(ctx context.Context) error {
	path, err := s.patientPath("")
	if err != nil {
		return err
	}
	return s.tc.Do("GET", path, nil)
}

func (s *onboardingSteps) currentVersion(ctx context.Context) (int64, error) {
	if err := s.fetch(ctx); err != nil {
		return 0, err
	}
	v, err := s.tc.ResponseField("version")
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("version is %T", v)
	}
	return int64(f), nil
}

func (s *onboardingSteps) put(plan string, version int64) error {
	path, err := s.patientPath("")
	if err != nil {
		return err
	}
	return s.tc.Do("PUT", path, map[string]any{
		"name":          "Updated Patient",
		"date_of_birth": "1984-06-12",
		"plan":          plan,
		"version":       version,
	})
}

func (s *onboardingSteps) changePlan(ctx context.Context, plan string) error {
	v, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}
	return s.put(plan, v)
}

func (s *onboardingSteps) changePlanStale(ctx context.Context, plan string) error {
	v, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}
	return s.put(plan, v-1)
}

func (s *onboardingSteps) retry(ctx context.Context) error {
	path, err := s.patientPath("/onboarding/retry")
	if err != nil {
		return err
	}
	return s.tc.Do("POST", path, nil)
}

func (s *onboardingSteps) planCount(plan string) (int64, error) {
	if err := s.tc.Do("GET", "/analytics/stats", nil); err != nil {
		return 0, err
	}
	if s.tc.LastStatus() != 200 {
		return 0, fmt.Errorf("analytics stats: status %d", s.tc.LastStatus())
	}
	v, err := s.tc.ResponseField("by_plan." + plan)
	if err != nil {
		return 0, nil
	}
	f, _ := v.(float64)
	return int64(f), nil
}

func (s *onboardingSteps) noteCount(ctx context.Context, plan string) error {
	n, err := s.planCount(plan)
	if err != nil {
		return err
	}
	s.tc.Remember("plan:"+plan, strconv.FormatInt(n, 10))
	return nil
}

// analyticsGrows polls since the consumer side is eventually consistent.
func (s *onboardingSteps) analyticsGrows(ctx context.Context, more int, plan string, seconds int) error {
	raw, err := s.tc.Recall("plan:" + plan)
	if err != nil {
		return err
	}
	base, _ := strconv.ParseInt(raw, 10, 64)
	want := base + int64(more)

	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	var got int64
	for {
		got, err = s.planCount(plan)
		if err == nil && got >= want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("plan %s: expected at least %d patients, have %d (last error: %v)", plan, want, got, err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}
