package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Type defines the contract for value validation.
// Every Type satisfies domain.KeyCheck.
type Type interface {
	// Name returns the human-readable name of the type (e.g., "string", "float(0,100)").
	Name() string
	// Validate checks if a value conforms to this type.
	Validate(value any) error
}

type stringType struct{}

func (stringType) Name() string { return "string" }

func (stringType) Validate(value any) error {
	if _, ok := value.(string); !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	return nil
}

type nonEmptyType struct{}

func (nonEmptyType) Name() string { return "nonempty" }

func (nonEmptyType) Validate(value any) error {
	if value == nil {
		return fmt.Errorf("expected a value, got null")
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		if rv.Len() == 0 {
			return fmt.Errorf("must not be empty")
		}
	}
	return nil
}

type intType struct{}

func (intType) Name() string { return "int" }

func (intType) Validate(value any) error {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case float64:
		// Accept floats that are whole numbers (from JSON unmarshaling)
		if v == float64(int64(v)) {
			return nil
		}
		return fmt.Errorf("expected int, got float (not a whole number)")
	default:
		return fmt.Errorf("expected int, got %T", value)
	}
}

type floatType struct{}

func (floatType) Name() string { return "float" }

func (floatType) Validate(value any) error {
	if _, ok := toFloat(value); !ok {
		return fmt.Errorf("expected number, got %T", value)
	}
	return nil
}

type boolType struct{}

func (boolType) Name() string { return "bool" }

func (boolType) Validate(value any) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("expected bool, got %T", value)
	}
	return nil
}

type sliceType struct {
	elem Type
}

func (t sliceType) Name() string { return fmt.Sprintf("[%s]", t.elem.Name()) }

func (t sliceType) Validate(value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fmt.Errorf("expected slice, got %T", value)
	}
	for i := 0; i < rv.Len(); i++ {
		if err := t.elem.Validate(rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	return nil
}

type mapType struct{}

func (mapType) Name() string { return "map" }

func (mapType) Validate(value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("expected record (map with string keys), got %T", value)
	}
	return nil
}

type rangeType struct {
	base     Type
	min, max float64
}

func (t rangeType) Name() string {
	return fmt.Sprintf("%s(%s,%s)", t.base.Name(), formatBound(t.min), formatBound(t.max))
}

func (t rangeType) Validate(value any) error {
	if err := t.base.Validate(value); err != nil {
		return err
	}
	f, _ := toFloat(value)
	if f < t.min {
		return fmt.Errorf("%v is below minimum %s", value, formatBound(t.min))
	}
	if f > t.max {
		return fmt.Errorf("%v is above maximum %s", value, formatBound(t.max))
	}
	return nil
}

type oneOfType struct {
	options []string
}

func (t oneOfType) Name() string { return "oneof(" + strings.Join(t.options, "|") + ")" }

func (t oneOfType) Validate(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}
	for _, o := range t.options {
		if s == o {
			return nil
		}
	}
	return fmt.Errorf("%q is not one of %v", s, t.options)
}

type customType struct {
	name     string
	validate func(any) error
}

func (t customType) Name() string { return t.name }

func (t customType) Validate(value any) error { return t.validate(value) }

// String creates a string type validator.
func String() Type { return stringType{} }

// NonEmpty accepts any non-nil value whose string, slice or map form is not empty.
func NonEmpty() Type { return nonEmptyType{} }

// Int creates an integer type validator.
func Int() Type { return intType{} }

// Float creates a number validator accepting any numeric Go type.
func Float() Type { return floatType{} }

// Bool creates a boolean type validator.
func Bool() Type { return boolType{} }

// Slice creates a slice type validator for elements of the given type.
func Slice(elem Type) Type { return sliceType{elem: elem} }

// Map accepts record-like values (maps keyed by string).
func Map() Type { return mapType{} }

// Range accepts numbers within [min, max].
func Range(min, max float64) Type { return rangeType{base: Float(), min: min, max: max} }

// IntRange accepts integers within [min, max].
func IntRange(min, max int64) Type {
	return rangeType{base: Int(), min: float64(min), max: float64(max)}
}

// OneOf accepts one of the given strings.
func OneOf(options ...string) Type { return oneOfType{options: options} }

// Custom creates a custom type validator with a user-defined function.
func Custom(name string, validate func(any) error) Type {
	return customType{name: name, validate: validate}
}

// ParseType converts a type string to a Type.
// Supported: "string", "nonempty", "int", "float", "bool", "map", "[T]",
// "float(min,max)", "int(min,max)" and "oneof(a|b|c)".
func ParseType(typeStr string) (Type, error) {
	typeStr = strings.TrimSpace(typeStr)

	if len(typeStr) > 2 && typeStr[0] == '[' && typeStr[len(typeStr)-1] == ']' {
		elem, err := ParseType(typeStr[1 : len(typeStr)-1])
		if err != nil {
			return nil, err
		}
		return Slice(elem), nil
	}

	if open := strings.IndexByte(typeStr, '('); open > 0 && strings.HasSuffix(typeStr, ")") {
		name, args := typeStr[:open], typeStr[open+1:len(typeStr)-1]
		switch name {
		case "oneof":
			return OneOf(strings.Split(args, "|")...), nil
		case "float", "int":
			bounds := strings.Split(args, ",")
			if len(bounds) != 2 {
				return nil, fmt.Errorf("range %q needs two bounds", typeStr)
			}
			min, err := strconv.ParseFloat(strings.TrimSpace(bounds[0]), 64)
			if err != nil {
				return nil, fmt.Errorf("range %q: %w", typeStr, err)
			}
			max, err := strconv.ParseFloat(strings.TrimSpace(bounds[1]), 64)
			if err != nil {
				return nil, fmt.Errorf("range %q: %w", typeStr, err)
			}
			if min > max {
				return nil, fmt.Errorf("range %q: min exceeds max", typeStr)
			}
			if name == "int" {
				return rangeType{base: Int(), min: min, max: max}, nil
			}
			return Range(min, max), nil
		}
		return nil, fmt.Errorf("unsupported type: %s", typeStr)
	}

	switch typeStr {
	case "string":
		return String(), nil
	case "nonempty":
		return NonEmpty(), nil
	case "int":
		return Int(), nil
	case "float", "number":
		return Float(), nil
	case "bool":
		return Bool(), nil
	case "map", "record":
		return Map(), nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", typeStr)
	}
}

// ParseTypeMap converts a map of keys to type strings into a Schema.
func ParseTypeMap(typeMap map[string]string) (Schema, error) {
	result := make(Schema, len(typeMap))
	for key, typeStr := range typeMap {
		t, err := ParseType(typeStr)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		result[key] = t
	}
	return result, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
