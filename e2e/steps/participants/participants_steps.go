package participants

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Lookup(ctx context.Context, alias string) ([]any, error)
}

// RegisterSteps registers oracle lookup step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &participantSteps{tc: tc}

	ctx.Step(`^alias "([^"]*)" should route to "([^"]*)" in "([^"]*)"$`, steps.aliasRoutesTo)
	ctx.Step(`^alias "([^"]*)" should have no parties$`, steps.aliasHasNoParties)
}

type participantSteps struct {
	tc TestContext
}

func (s *participantSteps) aliasRoutesTo(ctx context.Context, alias, fspID, currency string) error {
	parties, err := s.tc.Lookup(ctx, alias)
	if err != nil {
		return err
	}
	if len(parties) != 1 {
		return fmt.Errorf("alias %s: expected one party, got %v", alias, parties)
	}
	party := parties[0].(map[string]any)
	if party["fspId"] != fspID || party["currency"] != currency {
		return fmt.Errorf("alias %s: expected %s/%s, got %v", alias, fspID, currency, party)
	}
	return nil
}

func (s *participantSteps) aliasHasNoParties(ctx context.Context, alias string) error {
	parties, err := s.tc.Lookup(ctx, alias)
	if err != nil {
		return err
	}
	if len(parties) != 0 {
		return fmt.Errorf("alias %s: expected no parties, got %v", alias, parties)
	}
	return nil
}
