package domain

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestDiff(t *testing.T) {
	base := NewSnapshot(0, nil, nil, nil).Apply(Patch{"a": 1, "b": "x"}, 1)
	failure := &ErrorRecord{Stage: "parse", Kind: KindPermanent, Message: "boom", At: time.Unix(10, 0)}

	tests := []struct {
		name     string
		old      Snapshot
		new      Snapshot
		wantDiff *StateDiff
	}{
		{
			name: "Initial Load (Old is Empty)",
			old:  Snapshot{},
			new:  base,
			wantDiff: &StateDiff{
				Version: 1,
				Values:  map[string]any{"a": 1, "b": "x"},
			},
		},
		{
			name:     "No Changes",
			old:      base,
			new:      base,
			wantDiff: nil,
		},
		{
			name: "Single Key Replaced",
			old:  base,
			new:  base.Apply(Patch{"b": "y"}, 2),
			wantDiff: &StateDiff{
				Version: 2,
				Values:  map[string]any{"b": "y"},
			},
		},
		{
			name: "Same Value Rewritten Is Still Reported",
			old:  base,
			new:  base.Apply(Patch{"a": 1}, 2),
			wantDiff: &StateDiff{
				Version: 2,
				Values:  map[string]any{"a": 1},
			},
		},
		{
			name: "Error Channel Set",
			old:  base,
			new:  base.WithError(failure),
			wantDiff: &StateDiff{
				Version: 1,
				Error:   failure,
			},
		},
		{
			name: "Error Channel Cleared",
			old:  base.WithError(failure),
			new:  base.WithError(failure).Apply(Patch{"c": true}, 2),
			wantDiff: &StateDiff{
				Version:      2,
				Values:       map[string]any{"c": true},
				ErrorCleared: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new)
			if tt.wantDiff == nil {
				if got != nil {
					t.Errorf("Diff() = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Diff() = nil, want %+v", tt.wantDiff)
			}
			if !reflect.DeepEqual(got, tt.wantDiff) {
				t.Errorf("Diff() = %+v, want %+v", got, tt.wantDiff)
			}
		})
	}
}

func TestDiff_JSON(t *testing.T) {
	old := NewSnapshot(0, nil, nil, nil)
	diff := Diff(old, old.Apply(Patch{"parsed": "x"}, 1))

	data, err := json.Marshal(diff)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"version":1,"values":{"parsed":"x"}}` {
		t.Errorf("unexpected JSON: %s", data)
	}
	if keys := diff.ChangedKeys(); !reflect.DeepEqual(keys, []string{"parsed"}) {
		t.Errorf("ChangedKeys() = %v", keys)
	}
}
