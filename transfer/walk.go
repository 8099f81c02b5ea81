package transfer

import (
	"fmt"
	"math"
	"reflect"
	"sort"
)

// maxDepth bounds the nesting of a marshaled value.
const maxDepth = 256

type visitKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// scan walks v once before it is marshaled. It reports whether v holds any
// value that cannot go through the codec (handles, streams, functions) and
// rejects cyclic or overly deep graphs and unsigned integers out of int64 range.
type scan struct {
	visiting map[visitKey]struct{}
}

func newScan() *scan {
	return &scan{visiting: make(map[visitKey]struct{})}
}

func (s *scan) value(path string, rv reflect.Value, depth int) (bool, error) {
	if !rv.IsValid() {
		return false, nil
	}
	if depth > maxDepth {
		return false, marshalErr(path, rv.Type().String(),
			fmt.Sprintf("value nested deeper than %d levels", maxDepth), nil)
	}
	if rv.CanInterface() {
		v := rv.Interface()
		if o, ok := v.(opaque); ok {
			// Opaque values are codec-bound; only check for cycles.
			_, err := s.value(path, reflect.ValueOf(o.v), depth+1)
			return false, err
		}
		if Classify(v).special() {
			return true, nil
		}
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return false, nil
		}
		return s.value(path, rv.Elem(), depth+1)

	case reflect.Pointer:
		if rv.IsNil() {
			return false, nil
		}
		leave, err := s.enter(path, rv, 0)
		if err != nil {
			return false, err
		}
		defer leave()
		return s.value(path, rv.Elem(), depth+1)

	case reflect.Slice:
		if rv.IsNil() || rv.Type().Elem() == bytesType {
			return false, nil
		}
		leave, err := s.enter(path, rv, rv.Len())
		if err != nil {
			return false, err
		}
		defer leave()
		return s.elems(path, rv, depth)

	case reflect.Array:
		if rv.Type().Elem() == bytesType {
			return false, nil
		}
		return s.elems(path, rv, depth)

	case reflect.Map:
		if rv.IsNil() {
			return false, nil
		}
		leave, err := s.enter(path, rv, 0)
		if err != nil {
			return false, err
		}
		defer leave()
		found := false
		for _, key := range sortedKeys(rv) {
			sub, err := s.value(path+"."+fmt.Sprint(key.Interface()), rv.MapIndex(key), depth+1)
			if err != nil {
				return false, err
			}
			found = found || sub
		}
		return found, nil

	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return false, checkUint(path, rv)

	case reflect.Struct:
		found := false
		t := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			sub, err := s.value(path+"."+t.Field(i).Name, rv.Field(i), depth+1)
			if err != nil {
				return false, err
			}
			found = found || sub
		}
		return found, nil
	}
	return false, nil
}

// checkUint rejects unsigned integers above the signed 64-bit range, which a
// receiver decoding integers as int64 cannot represent.
func checkUint(path string, rv reflect.Value) error {
	if rv.Uint() > math.MaxInt64 {
		return marshalErr(path, rv.Type().String(),
			fmt.Sprintf("%d exceeds the signed 64-bit integer range", rv.Uint()), nil)
	}
	return nil
}

func (s *scan) elems(path string, rv reflect.Value, depth int) (bool, error) {
	found := false
	for i := 0; i < rv.Len(); i++ {
		sub, err := s.value(fmt.Sprintf("%s[%d]", path, i), rv.Index(i), depth+1)
		if err != nil {
			return false, err
		}
		found = found || sub
	}
	return found, nil
}

func (s *scan) enter(path string, rv reflect.Value, n int) (func(), error) {
	key := visitKey{ptr: rv.Pointer(), typ: rv.Type(), len: n}
	if _, ok := s.visiting[key]; ok {
		return nil, marshalErr(path, rv.Type().String(), "cyclic value", nil)
	}
	s.visiting[key] = struct{}{}
	return func() { delete(s.visiting, key) }, nil
}

// sortedKeys returns the keys of a map in a stable order.
func sortedKeys(rv reflect.Value) []reflect.Value {
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	return keys
}
