package audit

import (
	"encoding/json"
	"reflect"
)

// ToMap flattens a value into its JSON object form. Maps are returned as-is;
// nil or non-object values yield an empty map.
func ToMap(v any) map[string]any {
	switch m := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Diff keeps only the keys of after whose value differs from before, and the
// matching keys of before. Shallow mode compares comparable values with ==
// and treats nested objects and arrays as changed; deep mode compares them
// structurally.
func Diff(before, after map[string]any, deep bool) (map[string]any, map[string]any) {
	changedBefore := map[string]any{}
	changedAfter := map[string]any{}
	for key, next := range after {
		prev, existed := before[key]
		if existed && equal(prev, next, deep) {
			continue
		}
		changedAfter[key] = next
		if existed {
			changedBefore[key] = prev
		}
	}
	return changedBefore, changedAfter
}

func equal(a, b any, deep bool) bool {
	if deep {
		return reflect.DeepEqual(a, b)
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
