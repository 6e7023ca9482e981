package merchant

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Do(ctx context.Context, actor, method, path string, body any) error
	Must(ctx context.Context, actor, method, path string, body any) (map[string]any, error)
	LastStatus() int
	LastBody() map[string]any
	RememberMerchant(name, path string)
	MerchantPath(name string) (string, error)
	AuditActions() []string
}

// viewer reads merchants in assertions; any principal of the tenant may.
const viewer = "auditor"

// RegisterSteps registers maker-checker step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &merchantSteps{tc: tc}

	ctx.Step(`^"([^"]*)" has drafted a complete merchant "([^"]*)"$`, steps.draftedCompleteMerchant)
	ctx.Step(`^"([^"]*)" has drafted an empty merchant "([^"]*)"$`, steps.draftedEmptyMerchant)
	ctx.Step(`^"([^"]*)" sends merchant "([^"]*)" to review$`, steps.sendToReview)
	ctx.Step(`^"([^"]*)" approves merchant "([^"]*)"$`, steps.approve)
	ctx.Step(`^"([^"]*)" rejects merchant "([^"]*)" with reason "([^"]*)"$`, steps.reject)
	ctx.Step(`^"([^"]*)" reverts merchant "([^"]*)" with reason "([^"]*)"$`, steps.revert)
	ctx.Step(`^"([^"]*)" bulk approves merchants "([^"]*)"$`, steps.bulkApprove)
	ctx.Step(`^an anonymous caller requests merchant "([^"]*)"$`, steps.anonymousGet)

	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the error code should be "([^"]*)"$`, steps.errorCodeShouldBe)
	ctx.Step(`^merchant "([^"]*)" should be in status "([^"]*)"$`, steps.merchantInStatus)
	ctx.Step(`^merchant "([^"]*)" should have alias "([^"]*)"$`, steps.merchantHasAlias)
	ctx.Step(`^the audit trail should contain "([^"]*)"$`, steps.auditContains)
}

type merchantSteps struct {
	tc TestContext
}

func (s *merchantSteps) draftedEmptyMerchant(ctx context.Context, maker, name string) error {
	created, err := s.tc.Must(ctx, maker, http.MethodPost, "/merchants", map[string]any{"dba_trading_name": name, "currency": "MMK"})
	if err != nil {
		return err
	}
	s.tc.RememberMerchant(name, fmt.Sprintf("/merchants/%d", int64(created["id"].(float64))))
	return nil
}

func (s *merchantSteps) draftedCompleteMerchant(ctx context.Context, maker, name string) error {
	if err := s.draftedEmptyMerchant(ctx, maker, name); err != nil {
		return err
	}
	base, err := s.tc.MerchantPath(name)
	if err != nil {
		return err
	}
	edits := []struct {
		method, path string
		body         map[string]any
	}{
		{http.MethodPost, "/locations", map[string]any{"location_type": "physical", "country": "MM", "city": "Mandalay"}},
		{http.MethodPost, "/checkout-counters", map[string]any{"description": "main till", "country": "MM"}},
		{http.MethodPost, "/owners", map[string]any{
			"identification_type": "nrc", "identification_number": "9/MAN(N)000001",
			"name": "U Htun", "phone": "+95 9 111 111", "country": "MM",
		}},
		{http.MethodPost, "/contacts", map[string]any{"role": "owner", "source": "owner", "owner_index": 0}},
		{http.MethodPut, "/license", map[string]any{"license_number": "MDY-" + name}},
	}
	for _, e := range edits {
		if _, err := s.tc.Must(ctx, maker, e.method, base+e.path, e.body); err != nil {
			return err
		}
	}
	return nil
}

func (s *merchantSteps) sendToReview(ctx context.Context, maker, name string) error {
	base, err := s.tc.MerchantPath(name)
	if err != nil {
		return err
	}
	return s.tc.Do(ctx, maker, http.MethodPut, base+"/ready-to-review", nil)
}

func (s *merchantSteps) approve(ctx context.Context, checker, name string) error {
	base, err := s.tc.MerchantPath(name)
	if err != nil {
		return err
	}
	return s.tc.Do(ctx, checker, http.MethodPut, base+"/approve", nil)
}

func (s *merchantSteps) reject(ctx context.Context, checker, name, reason string) error {
	base, err := s.tc.MerchantPath(name)
	if err != nil {
		return err
	}
	return s.tc.Do(ctx, checker, http.MethodPut, base+"/reject", map[string]any{"reason": reason})
}

func (s *merchantSteps) revert(ctx context.Context, checker, name, reason string) error {
	base, err := s.tc.MerchantPath(name)
	if err != nil {
		return err
	}
	return s.tc.Do(ctx, checker, http.MethodPut, base+"/revert", map[string]any{"reason": reason})
}

func (s *merchantSteps) bulkApprove(ctx context.Context, checker, names string) error {
	var ids []int64
	for _, name := range strings.Split(names, ",") {
		base, err := s.tc.MerchantPath(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		var v int64
		if _, err := fmt.Sscanf(base, "/merchants/%d", &v); err != nil {
			return err
		}
		ids = append(ids, v)
	}
	return s.tc.Do(ctx, checker, http.MethodPut, "/merchants/bulk-approve", map[string]any{"ids": ids})
}

func (s *merchantSteps) anonymousGet(ctx context.Context, name string) error {
	base, err := s.tc.MerchantPath(name)
	if err != nil {
		return err
	}
	return s.tc.Do(ctx, "", http.MethodGet, base, nil)
}

func (s *merchantSteps) statusShouldBe(_ context.Context, want int) error {
	if got := s.tc.LastStatus(); got != want {
		return fmt.Errorf("expected status %d, got %d: %v", want, got, s.tc.LastBody())
	}
	return nil
}

func (s *merchantSteps) errorCodeShouldBe(_ context.Context, want string) error {
	if got := s.tc.LastBody()["error"]; got != want {
		return fmt.Errorf("expected error %q, got %v", want, got)
	}
	return nil
}

func (s *merchantSteps) fetch(ctx context.Context, name string) (map[string]any, error) {
	base, err := s.tc.MerchantPath(name)
	if err != nil {
		return nil, err
	}
	return s.tc.Must(ctx, viewer, http.MethodGet, base, nil)
}

func (s *merchantSteps) merchantInStatus(ctx context.Context, name, want string) error {
	m, err := s.fetch(ctx, name)
	if err != nil {
		return err
	}
	if m["status"] != want {
		return fmt.Errorf("merchant %s: expected status %s, got %v", name, want, m["status"])
	}
	return nil
}

func (s *merchantSteps) merchantHasAlias(ctx context.Context, name, want string) error {
	m, err := s.fetch(ctx, name)
	if err != nil {
		return err
	}
	counters, _ := m["checkout_counters"].([]any)
	for _, c := range counters {
		if c.(map[string]any)["alias_value"] == want {
			return nil
		}
	}
	return fmt.Errorf("merchant %s: no checkout counter with alias %s in %v", name, want, counters)
}

func (s *merchantSteps) auditContains(_ context.Context, action string) error {
	actions := s.tc.AuditActions()
	if !slices.Contains(actions, action) {
		return fmt.Errorf("audit action %q not recorded; have %v", action, actions)
	}
	return nil
}
