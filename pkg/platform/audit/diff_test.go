package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff_OnlyChangedKeysAreKept(t *testing.T) {
	before := map[string]any{"status": "Draft", "reason": "", "name": "Cafe"}
	after := map[string]any{"status": "Review", "reason": "", "name": "Cafe"}

	b, a := Diff(before, after, false)

	assert.Equal(t, map[string]any{"status": "Draft"}, b)
	assert.Equal(t, map[string]any{"status": "Review"}, a)
}

func TestDiff_NewKeysAppearOnlyInAfter(t *testing.T) {
	b, a := Diff(map[string]any{}, map[string]any{"approved_by": "checker-b"}, false)
	assert.Empty(t, b)
	assert.Equal(t, map[string]any{"approved_by": "checker-b"}, a)
}

func TestDiff_KeysMissingFromAfterAreIgnored(t *testing.T) {
	b, a := Diff(map[string]any{"status": "Draft"}, map[string]any{}, false)
	assert.Empty(t, b)
	assert.Empty(t, a)
}

func TestDiff_NestedValues(t *testing.T) {
	before := map[string]any{"location": map[string]any{"city": "Yangon"}}
	after := map[string]any{"location": map[string]any{"city": "Yangon"}}

	t.Run("shallow mode treats nested objects as changed", func(t *testing.T) {
		_, a := Diff(before, after, false)
		assert.Contains(t, a, "location")
	})

	t.Run("deep mode compares structurally", func(t *testing.T) {
		_, a := Diff(before, after, true)
		assert.Empty(t, a)
	})
}

func TestToMap(t *testing.T) {
	type snapshot struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}
	m := ToMap(snapshot{Status: "Review", Count: 2})
	assert.Equal(t, "Review", m["status"])
	assert.Equal(t, float64(2), m["count"])
	assert.Empty(t, ToMap(nil))
	assert.Empty(t, ToMap("not an object"))
}
