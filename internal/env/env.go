// Package env populates configuration structs from process environment
// variables declared with `env:"VAR"` struct tags.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Validator is implemented by config structs that check themselves after
// loading. Load calls Validate on every nested struct that implements it,
// innermost first, and finally on the root.
type Validator interface {
	Validate() error
}

// ParseError reports an environment value that could not be converted to the
// field's type.
type ParseError struct {
	Field string
	Var   string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("env: %s=%q does not parse into field %s: %v", e.Var, e.Value, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TargetError reports a Load argument that is not a pointer to a struct.
type TargetError struct {
	Type string
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("env: Load needs a pointer to struct, got %s", e.Type)
}

// KindError reports a tagged field whose type the loader cannot set.
type KindError struct {
	Kind string
}

func (e *KindError) Error() string {
	return fmt.Sprintf("env: unsupported field type %s", e.Kind)
}

// Load fills v from the environment. Unset variables leave fields at their
// zero values; defaulting belongs to the consuming config constructors.
//
// Supported field types: string, bool, all int and uint widths, float32/64,
// and time.Duration (Go duration syntax, e.g. "30s", "5m"). Nested structs
// are walked recursively; time.Time fields are left alone.
func Load(v any) error {
	target := reflect.ValueOf(v)
	if target.Kind() != reflect.Pointer || target.Elem().Kind() != reflect.Struct {
		return &TargetError{Type: fmt.Sprintf("%T", v)}
	}

	if err := applyEnv(target.Elem()); err != nil {
		return err
	}

	if validator, ok := v.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func applyEnv(structVal reflect.Value) error {
	structType := structVal.Type()

	for i := range structVal.NumField() {
		field := structVal.Field(i)
		meta := structType.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := applyEnv(field); err != nil {
				return err
			}
			if field.CanAddr() {
				if validator, ok := field.Addr().Interface().(Validator); ok {
					if err := validator.Validate(); err != nil {
						return err
					}
				}
			}
			continue
		}

		name := meta.Tag.Get("env")
		if name == "" {
			continue
		}

		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}

		if err := assign(field, raw); err != nil {
			return &ParseError{Field: meta.Name, Var: name, Value: raw, Err: err}
		}
	}

	return nil
}

func assign(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
		return nil

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
		return nil

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
		return nil

	default:
		return &KindError{Kind: field.Kind().String()}
	}
}
