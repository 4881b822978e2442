// Copyright 2026 The Wireproxy Authors
// SPDX-License-Identifier: Apache-2.0

package wireproxy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// jsonRedecode round-trips a through JSON into a fresh value of
// paramType. It is the fallback [convertArg] reaches for when neither
// direct assignment nor a reflect conversion applies — the common case
// being a generic map[string]any argument (as produced by [FromWire]'s
// RAW path) destined for a concrete struct parameter.
func jsonRedecode(a any, paramType reflect.Type) (reflect.Value, bool) {
	data, err := json.Marshal(a)
	if err != nil {
		return reflect.Value{}, false
	}
	dst := reflect.New(paramType)
	if err := json.Unmarshal(data, dst.Interface()); err != nil {
		return reflect.Value{}, false
	}
	return dst.Elem(), true
}

// resolvePath walks root following path, the way the source
// specification's exposed object graph is navigated one property at a
// time (§4.1). Each segment addresses a struct field (by name), a map
// entry (string-keyed), or a slice/array element (numeric); a method of
// the current value is matched before any of these. It reports both the
// final value and, when the path is non-empty, the container the last
// segment was found in. The exposer's callers use only the value; SET
// writes through [setPath] instead.
func resolvePath(root any, path []string) (container reflect.Value, value reflect.Value, err error) {
	value = reflect.ValueOf(root)
	if len(path) == 0 {
		return reflect.Value{}, value, nil
	}
	for i, segment := range path {
		container = value
		value, err = step(value, segment)
		if err != nil {
			return reflect.Value{}, reflect.Value{}, fmt.Errorf("wireproxy: path %v at segment %d (%q): %w", path, i, segment, err)
		}
	}
	return container, value, nil
}

func step(v reflect.Value, segment string) (reflect.Value, error) {
	// Methods are checked against v's own type first, before any
	// dereferencing, so a pointer-receiver method stays reachable —
	// once the loop below unwraps to the underlying struct, the
	// pointer's method set is gone.
	if v.IsValid() {
		if m := v.MethodByName(segment); m.IsValid() {
			return m, nil
		}
	}
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("nil value")
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		f := v.FieldByName(segment)
		if !f.IsValid() {
			return reflect.Value{}, fmt.Errorf("no field %q", segment)
		}
		if !f.CanInterface() {
			return reflect.Value{}, fmt.Errorf("field %q is unexported", segment)
		}
		return f, nil
	case reflect.Map:
		key := reflect.ValueOf(segment)
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, fmt.Errorf("map key type %s is not string", v.Type().Key())
		}
		mv := v.MapIndex(key.Convert(v.Type().Key()))
		if !mv.IsValid() {
			return reflect.Value{}, fmt.Errorf("no map key %q", segment)
		}
		return mv, nil
	case reflect.Slice, reflect.Array:
		idx, convErr := strconv.Atoi(segment)
		if convErr != nil {
			return reflect.Value{}, fmt.Errorf("non-numeric index %q", segment)
		}
		if idx < 0 || idx >= v.Len() {
			return reflect.Value{}, fmt.Errorf("index %d out of range", idx)
		}
		return v.Index(idx), nil
	default:
		return reflect.Value{}, fmt.Errorf("cannot navigate into %s", v.Kind())
	}
}

// setPath writes newValue into root at path, mutating a struct field,
// map entry, or slice element in place. Structs and arrays must be
// addressed through a pointer somewhere along the path (Go value
// semantics; the source specification's objects are always reference
// types, so this is the one place Go's model requires the exposer's
// caller to expose pointers for anything it wants SET to reach).
func setPath(root any, path []string, newValue any) error {
	if len(path) == 0 {
		return fmt.Errorf("wireproxy: SET requires a non-empty path")
	}
	v := reflect.ValueOf(root)
	for i, segment := range path[:len(path)-1] {
		var err error
		v, err = step(v, segment)
		if err != nil {
			return fmt.Errorf("wireproxy: path %v at segment %d (%q): %w", path, i, segment, err)
		}
	}
	last := path[len(path)-1]
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return fmt.Errorf("wireproxy: cannot set %q on nil value", last)
		}
		v = v.Elem()
	}
	nv := reflect.ValueOf(newValue)
	switch v.Kind() {
	case reflect.Struct:
		f := v.FieldByName(last)
		if !f.IsValid() {
			return fmt.Errorf("wireproxy: no field %q", last)
		}
		if !f.CanSet() {
			return fmt.Errorf("wireproxy: field %q is not settable (expose a pointer to reach it)", last)
		}
		return assign(f, nv)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("wireproxy: map key type %s is not string", v.Type().Key())
		}
		if v.IsNil() {
			return fmt.Errorf("wireproxy: cannot set on a nil map")
		}
		elemType := v.Type().Elem()
		if !nv.IsValid() {
			nv = reflect.Zero(elemType)
		} else if nv.Type() != elemType && nv.Type().ConvertibleTo(elemType) {
			nv = nv.Convert(elemType)
		}
		v.SetMapIndex(reflect.ValueOf(last).Convert(v.Type().Key()), nv)
		return nil
	case reflect.Slice, reflect.Array:
		idx, convErr := strconv.Atoi(last)
		if convErr != nil {
			return fmt.Errorf("wireproxy: non-numeric index %q", last)
		}
		if idx < 0 || idx >= v.Len() {
			return fmt.Errorf("wireproxy: index %d out of range", idx)
		}
		return assign(v.Index(idx), nv)
	default:
		return fmt.Errorf("wireproxy: cannot set into %s", v.Kind())
	}
}

func assign(dst reflect.Value, src reflect.Value) error {
	if !dst.CanSet() {
		return fmt.Errorf("wireproxy: destination is not settable")
	}
	if !src.IsValid() {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("wireproxy: cannot assign %s to %s", src.Type(), dst.Type())
}

// callable returns v as an invocable reflect.Value, unwrapping pointers
// and interfaces first.
func callable(v reflect.Value) (reflect.Value, error) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("wireproxy: nil function value")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("wireproxy: value is not callable (%s)", v.Kind())
	}
	return v, nil
}

// callWithArgs invokes fn with args converted to its declared parameter
// types, and returns the call's results as plain values (the trailing
// error, if the function's last result is one, is peeled off and
// returned separately so dispatch can route it through the throw
// handler).
func callWithArgs(fn reflect.Value, args []any) (results []any, callErr error, err error) {
	t := fn.Type()
	variadic := t.IsVariadic()
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var paramType reflect.Type
		switch {
		case variadic && i >= t.NumIn()-1:
			paramType = t.In(t.NumIn() - 1).Elem()
		case i < t.NumIn():
			paramType = t.In(i)
		default:
			return nil, nil, fmt.Errorf("wireproxy: too many arguments: got %d, want %d", len(args), t.NumIn())
		}
		in[i] = convertArg(a, paramType)
	}
	out := fn.Call(in)
	if n := len(out); n > 0 && out[n-1].Type().Implements(errType) {
		if !out[n-1].IsNil() {
			callErr = out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	results = make([]any, len(out))
	for i, o := range out {
		results[i] = o.Interface()
	}
	return results, callErr, nil
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// convertArg best-efforts a is-shaped-like-JSON argument (typically a
// map[string]any, []any, float64, string, bool, or nil produced by
// [FromWire]) into paramType. Values that already satisfy paramType
// pass through untouched.
func convertArg(a any, paramType reflect.Type) reflect.Value {
	if a == nil {
		return reflect.Zero(paramType)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(paramType) {
		return v
	}
	if v.Type().ConvertibleTo(paramType) {
		return v.Convert(paramType)
	}
	if paramType.Kind() == reflect.Interface {
		return v
	}
	// Last resort: round-trip through JSON so a map[string]any argument
	// can populate a concrete struct parameter.
	if dec, ok := jsonRedecode(a, paramType); ok {
		return dec
	}
	return reflect.Zero(paramType)
}
