package domain

import (
	"reflect"
)

// StateDiff represents the changes between two snapshots.
// It is designed to be serialized to JSON for partial updates on the client.
type StateDiff struct {
	Version Version `json:"version"`

	// Values contains only changed or added keys.
	// Clients should merge these updates into their local state.
	Values map[string]any `json:"values,omitempty"`

	// Error is set when the error channel changed. A cleared channel is reported by ErrorCleared.
	Error        *ErrorRecord `json:"error,omitempty"`
	ErrorCleared bool         `json:"error_cleared,omitempty"`
}

// Diff calculates the difference between oldSnap and newSnap.
// Keys are never deleted implicitly, so only additions and replacements are reported.
// Returns nil when nothing observable changed.
func Diff(oldSnap, newSnap Snapshot) *StateDiff {
	diff := &StateDiff{Version: newSnap.Version()}

	delta := make(map[string]any)
	for k, newVal := range newSnap.values {
		oldVal, exists := oldSnap.values[k]
		if !exists || oldSnap.modified[k] != newSnap.modified[k] || !reflect.DeepEqual(oldVal, newVal) {
			delta[k] = newVal
		}
	}
	if len(delta) > 0 {
		diff.Values = delta
	}

	oldErr, newErr := oldSnap.err, newSnap.err
	switch {
	case newErr != nil && (oldErr == nil || *oldErr != *newErr):
		diff.Error = newSnap.Error()
	case newErr == nil && oldErr != nil:
		diff.ErrorCleared = true
	}

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

// ChangedKeys returns the sorted keys reported in the diff.
func (d *StateDiff) ChangedKeys() []string {
	if d == nil {
		return nil
	}
	return Patch(d.Values).Keys()
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *StateDiff) IsEmpty() bool {
	return len(d.Values) == 0 && d.Error == nil && !d.ErrorCleared
}
