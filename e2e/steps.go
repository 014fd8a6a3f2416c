package e2e

import (
	"github.com/cucumber/godog"

	"careflow/e2e/steps/common"
	"careflow/e2e/steps/onboarding"
	"careflow/e2e/steps/ratelimit"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	onboarding.RegisterSteps(ctx, tc)
	ratelimit.RegisterSteps(ctx, tc)
}
