package runtime

import (
	"errors"

	"github.com/aretw0/sluice/pkg/domain"
	"github.com/aretw0/sluice/pkg/schema"
)

// Validate is the validation gate. It checks snap against the stage's declared inputs:
// required keys must be present, present keys must satisfy the schema, and the stage
// predicate must accept the snapshot. The predicate only runs when the first two pass.
//
// snap should already be restricted to the stage inputs.
func Validate(st *domain.Stage, snap domain.Snapshot) error {
	var issues []domain.Issue
	for _, key := range st.Inputs() {
		if !snap.Has(key) && !st.IsOptional(key) {
			issues = append(issues, domain.Issue{Key: key, Reason: "missing required key"})
		}
	}
	issues = append(issues, schema.CheckValues(st.Schema, snap)...)

	if len(issues) == 0 && st.Validate != nil {
		if err := st.Validate(snap); err != nil {
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				issues = append(issues, ve.Issues...)
			} else {
				issues = append(issues, domain.Issue{Reason: err.Error()})
			}
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return &domain.ValidationError{Stage: st.Name, Issues: issues}
}
