// Package utils provides serialization utilities for responses and events.
//
// This file implements two concerns:
//   - DeepCopy: gives every logical caller its own copy of a shared result
//     so one caller mutating its value never affects another caller or the
//     cached entry
//   - Event helpers: JSON encode/decode for invalidation events and audit rows
//
// Design Notes:
//   - Values implementing Cloner copy themselves
//   - Maps, slices, arrays, pointers and interface values are copied by
//     reflection, so dynamic types inside any (int stays int) are preserved
//   - Struct values round-trip through MessagePack (github.com/vmihailenco/msgpack/v5)
//   - Byte slices (including json.RawMessage) are copied directly
//   - Immutable scalars and time.Time are returned as-is
//   - Events stay JSON for portability and debugging
//
// Trade-offs:
//   - Structs with unexported fields, channels and funcs are refused with
//     ErrUncopyable instead of being copied partially; give such types a
//     Clone method
//   - Interface-typed fields inside structs decode loosely (integers as
//     int64 / uint64)
package utils

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUncopyable is returned by DeepCopy for values it cannot copy without
// losing state.
var ErrUncopyable = errors.New("value cannot be deep copied")

// Cloner is implemented by values that produce their own independent copy.
type Cloner interface {
	Clone() any
}

var (
	clonerType = reflect.TypeOf((*Cloner)(nil)).Elem()
	timeType   = reflect.TypeOf(time.Time{})
)

// DeepCopy returns an independent copy of v.
//
// Example:
//
//	shared := map[string]any{"items": []any{"SS-001"}}
//	mine, err := DeepCopy(shared)
func DeepCopy(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if c, ok := v.(Cloner); ok {
		return c.Clone(), nil
	}

	cp, err := copyValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return cp.Interface(), nil
}

func copyValue(rv reflect.Value) (reflect.Value, error) {
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return rv, nil

	case reflect.Interface:
		if rv.IsNil() {
			return rv, nil
		}
		inner := rv.Elem()
		var (
			cp  reflect.Value
			err error
		)
		if inner.Type().Implements(clonerType) && !isNil(inner) {
			cp = reflect.ValueOf(inner.Interface().(Cloner).Clone())
			if !cp.IsValid() || !cp.Type().AssignableTo(rv.Type()) {
				return reflect.Value{}, errors.Wrapf(ErrUncopyable, "%s: Clone result does not fit %s", inner.Type(), rv.Type())
			}
		} else if cp, err = copyValue(inner); err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(cp)
		return out, nil

	case reflect.Pointer:
		if rv.IsNil() {
			return rv, nil
		}
		elem, err := copyValue(rv.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(elem)
		return out, nil

	case reflect.Slice:
		if rv.IsNil() {
			return rv, nil
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			reflect.Copy(out, rv)
			return out, nil
		}
		if err := copyElems(out, rv); err != nil {
			return reflect.Value{}, err
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		if err := copyElems(out, rv); err != nil {
			return reflect.Value{}, err
		}
		return out, nil

	case reflect.Map:
		if rv.IsNil() {
			return rv, nil
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val, err := copyValue(iter.Value())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(iter.Key(), val)
		}
		return out, nil

	case reflect.Struct:
		if rv.Type() == timeType {
			return rv, nil
		}
		return copyStruct(rv)
	}

	return reflect.Value{}, errors.Wrapf(ErrUncopyable, "%s", rv.Type())
}

func copyElems(dst, src reflect.Value) error {
	for i := 0; i < src.Len(); i++ {
		cp, err := copyValue(src.Index(i))
		if err != nil {
			return err
		}
		dst.Index(i).Set(cp)
	}
	return nil
}

// copyStruct round-trips a struct through msgpack after making sure every
// field will survive it.
func copyStruct(rv reflect.Value) (reflect.Value, error) {
	if err := checkStruct(rv.Type(), make(map[reflect.Type]bool)); err != nil {
		return reflect.Value{}, err
	}

	data, err := msgpack.Marshal(rv.Interface())
	if err != nil {
		return reflect.Value{}, errors.Wrapf(err, "deep copy: encode %s", rv.Type())
	}

	ptr := reflect.New(rv.Type())
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(ptr.Interface()); err != nil {
		return reflect.Value{}, errors.Wrapf(err, "deep copy: decode %s", rv.Type())
	}
	return ptr.Elem(), nil
}

// checkStruct walks the declared field types of a struct and rejects
// anything msgpack would drop or cannot encode.
func checkStruct(t reflect.Type, seen map[reflect.Type]bool) error {
	if seen[t] {
		return nil
	}
	seen[t] = true

	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return errors.Wrapf(ErrUncopyable, "%s", t)
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return checkStruct(t.Elem(), seen)
	case reflect.Map:
		if err := checkStruct(t.Key(), seen); err != nil {
			return err
		}
		return checkStruct(t.Elem(), seen)
	case reflect.Struct:
		if t == timeType {
			return nil
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				return errors.Wrapf(ErrUncopyable, "%s has unexported field %s", t, f.Name)
			}
			if f.Tag.Get("msgpack") == "-" {
				return errors.Wrapf(ErrUncopyable, "%s field %s is skipped by msgpack", t, f.Name)
			}
			if err := checkStruct(f.Type, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNil(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// MarshalEvent serializes an event to bytes.
// Generic function for any event type.
//
// Example:
//
//	event := &pubsub.InvalidationEvent{...}
//	data, err := MarshalEvent(event)
func MarshalEvent(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, errors.New("cannot marshal nil event")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event")
	}

	return data, nil
}

// UnmarshalEvent deserializes an event from bytes into the provided pointer.
//
// Example:
//
//	var event pubsub.InvalidationEvent
//	err := UnmarshalEvent(data, &event)
func UnmarshalEvent(data []byte, event interface{}) error {
	if len(data) == 0 {
		return errors.New("cannot unmarshal empty data")
	}

	if event == nil {
		return errors.New("event pointer cannot be nil")
	}

	if err := json.Unmarshal(data, event); err != nil {
		return errors.Wrap(err, "failed to unmarshal event")
	}

	return nil
}
