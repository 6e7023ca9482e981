// Package e2e drives the acquirer and the oracle through Gherkin scenarios.
package e2e

import (
	"context"
	"fmt"
	"strings"

	"onboarding/internal/integration_tests/stack"
)

// TestContext is the per-scenario world shared by every step package.
type TestContext struct {
	stack *stack.Stack

	lastStatus int
	lastBody   map[string]any
	merchants  map[string]string
}

func NewTestContext(s *stack.Stack) *TestContext {
	return &TestContext{stack: s, merchants: map[string]string{}}
}

// Do sends a request as actor and keeps the reply for later assertions.
func (tc *TestContext) Do(ctx context.Context, actor, method, path string, body any) error {
	status, out, err := tc.stack.Do(ctx, actor, method, path, body)
	if err != nil {
		return err
	}
	tc.lastStatus = status
	tc.lastBody = out
	return nil
}

// Must is Do that also requires a 2xx reply.
func (tc *TestContext) Must(ctx context.Context, actor, method, path string, body any) (map[string]any, error) {
	if err := tc.Do(ctx, actor, method, path, body); err != nil {
		return nil, err
	}
	if tc.lastStatus/100 != 2 {
		return nil, fmt.Errorf("%s %s: status %d: %v", method, path, tc.lastStatus, tc.lastBody)
	}
	return tc.lastBody, nil
}

func (tc *TestContext) Lookup(ctx context.Context, alias string) ([]any, error) {
	return tc.stack.Lookup(ctx, alias)
}

func (tc *TestContext) LastStatus() int                    { return tc.lastStatus }
func (tc *TestContext) LastBody() map[string]any           { return tc.lastBody }
func (tc *TestContext) RememberMerchant(name, path string) { tc.merchants[name] = path }

func (tc *TestContext) MerchantPath(name string) (string, error) {
	path, ok := tc.merchants[name]
	if !ok {
		return "", fmt.Errorf("no merchant named %q in this scenario", name)
	}
	return path, nil
}

func (tc *TestContext) AuditActions() []string {
	var out []string
	for _, rec := range tc.stack.Audit.All() {
		out = append(out, string(rec.Action))
	}
	return out
}

// MerchantID extracts the numeric id from a remembered merchant path.
func MerchantID(path string) string {
	return strings.TrimPrefix(path, "/merchants/")
}
