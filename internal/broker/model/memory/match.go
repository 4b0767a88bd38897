package memory

import (
	"reflect"
	"strings"
)

// matchAny reports whether every key in cond equals the correspondingly
// named field on rec. Keys are snake_case (as used throughout the Model
// Contract, e.g. "unit_id", "network_address"); they are mapped to the
// struct's exported Go field name by stripping underscores.
func matchAny[T any](rec *T, cond map[string]interface{}) bool {
	if len(cond) == 0 {
		return true
	}
	v := reflect.ValueOf(rec).Elem()
	for key, want := range cond {
		fv := fieldByCondKey(v, key)
		if !fv.IsValid() {
			return false
		}
		if !reflect.DeepEqual(fv.Interface(), want) {
			return false
		}
	}
	return true
}

// applyPatch writes each patch key's value onto rec's matching field.
func applyPatch[T any](rec *T, patch map[string]interface{}) {
	v := reflect.ValueOf(rec).Elem()
	for key, val := range patch {
		fv := fieldByCondKey(v, key)
		if fv.IsValid() && fv.CanSet() {
			pv := reflect.ValueOf(val)
			if pv.Type().ConvertibleTo(fv.Type()) {
				fv.Set(pv.Convert(fv.Type()))
			}
		}
	}
}

func fieldByCondKey(v reflect.Value, key string) reflect.Value {
	name := toFieldName(key)
	return v.FieldByName(name)
}

// toFieldName converts a snake_case condition key ("network_address") into
// the exported Go field name used on every entity struct ("NetworkAddress").
func toFieldName(key string) string {
	parts := strings.Split(key, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if p == "id" {
			b.WriteString("ID")
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
