package e2e

import (
	"github.com/cucumber/godog"

	"onboarding/e2e/steps/merchant"
	"onboarding/e2e/steps/participants"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	merchant.RegisterSteps(ctx, tc)
	participants.RegisterSteps(ctx, tc)
}
