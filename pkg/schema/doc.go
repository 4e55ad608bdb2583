// Package schema provides the value checks used by the validation gate.
//
// A Schema maps state keys to types. Besides the basic types (string, int, float, bool,
// slices and maps) it supports bounded numbers, which cover the range checks dashboards
// apply to uploaded measurements before running expensive stages:
//
//	s := schema.Schema{
//	    "qc":     schema.Range(0, 100),
//	    "layers": schema.Slice(schema.String()),
//	    "label":  schema.NonEmpty(),
//	}
//
//	issues := schema.Check(s, snapshot)
//
// Schemas can also be parsed from the type strings used in pipeline files:
//
//	s, err := schema.ParseTypeMap(map[string]string{
//	    "qc":     "float(0,100)",
//	    "layers": "[string]",
//	})
package schema
