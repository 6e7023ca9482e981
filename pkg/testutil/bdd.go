package testutil

import "testing"

// Given, When and Then name nested subtests after the scenario step they
// cover, so a failure reads as the scenario that broke. Feature-level
// scenarios that span both services live in the godog suite under e2e/.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Given "+desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("When "+desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Then "+desc, fn)
}
