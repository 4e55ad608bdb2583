package schema

import (
	"sort"

	"github.com/aretw0/sluice/pkg/domain"
)

// Schema is a map of state keys to their expected types.
type Schema map[string]Type

// Checks converts the schema into the form stored on a domain.Stage.
func (s Schema) Checks() map[string]domain.KeyCheck {
	if len(s) == 0 {
		return nil
	}
	out := make(map[string]domain.KeyCheck, len(s))
	for k, t := range s {
		out[k] = t
	}
	return out
}

// Check validates the keys of snap that the schema mentions.
// Keys missing from the snapshot are skipped; presence is the gate's concern.
// Issues are returned in key order.
func Check(s Schema, snap domain.Snapshot) []domain.Issue {
	return CheckValues(s.Checks(), snap)
}

// CheckValues is Check for an already converted set of checks.
func CheckValues(checks map[string]domain.KeyCheck, snap domain.Snapshot) []domain.Issue {
	if len(checks) == 0 {
		return nil
	}
	keys := make([]string, 0, len(checks))
	for k := range checks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var issues []domain.Issue
	for _, key := range keys {
		value, ok := snap.Get(key)
		if !ok {
			continue
		}
		check := checks[key]
		if check == nil {
			continue
		}
		if err := check.Validate(value); err != nil {
			issues = append(issues, domain.Issue{Key: key, Reason: err.Error()})
		}
	}
	return issues
}
