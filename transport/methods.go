package transport

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"worker-rpc/codec"
	"worker-rpc/rpcerr"
	"worker-rpc/transfer"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodType is one callable entry of a method table. A method takes an
// optional leading context.Context, any number of arguments, and returns at
// most one result followed by an optional error.
type methodType struct {
	fn     reflect.Value
	typ    reflect.Type
	hasCtx bool
	hasRes bool
	hasErr bool
}

func newMethodType(fn reflect.Value) (*methodType, error) {
	t := fn.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("rpc: %s is not a function", t)
	}
	mt := &methodType{fn: fn, typ: t}
	mt.hasCtx = t.NumIn() > 0 && t.In(0) == contextType

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			mt.hasErr = true
		} else {
			mt.hasRes = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, fmt.Errorf("rpc: second result of %s must be error", t)
		}
		mt.hasRes, mt.hasErr = true, true
	default:
		return nil, fmt.Errorf("rpc: %s returns too many results", t)
	}
	return mt, nil
}

// Methods is a method table. One table can be shared by many channels, for
// example by every connection of a server.
type Methods struct {
	mu     sync.RWMutex
	method map[string]*methodType
}

// NewMethods creates an empty table.
func NewMethods() *Methods {
	return &Methods{method: make(map[string]*methodType)}
}

// Register exposes every exported method of rcvr with a suitable signature as
// "<Type>.<Method>". rcvr must be a pointer to a struct.
func (m *Methods) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	return m.RegisterName(typ.Elem().Name(), rcvr)
}

// RegisterName is Register with an explicit service name.
func (m *Methods) RegisterName(name string, rcvr any) error {
	val := reflect.ValueOf(rcvr)
	typ := val.Type()

	found := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		mt, err := newMethodType(val.Method(i))
		if err != nil {
			Logger().Debug("skipping method", zap.String("method", method.Name), zap.Error(err))
			continue
		}
		m.method[name+"."+method.Name] = mt
		found++
	}
	if found == 0 {
		return fmt.Errorf("rpc: %s has no exportable methods", name)
	}
	return nil
}

// Expose registers fn under name, replacing any previous entry.
func (m *Methods) Expose(name string, fn any) error {
	if name == "" {
		return fmt.Errorf("rpc: empty method name")
	}
	rv := reflect.ValueOf(fn)
	if !rv.IsValid() || rv.Kind() != reflect.Func || rv.IsNil() {
		return fmt.Errorf("rpc: cannot expose %T as %s", fn, name)
	}
	mt, err := newMethodType(rv)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.method[name] = mt
	m.mu.Unlock()
	return nil
}

// Unexpose removes name.
func (m *Methods) Unexpose(name string) {
	m.mu.Lock()
	delete(m.method, name)
	m.mu.Unlock()
}

// Names returns the registered names in sorted order.
func (m *Methods) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.method))
	for name := range m.method {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Methods) lookup(name string) (*methodType, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.method[name]
	return mt, ok
}

// call invokes the method with demarshaled params.
func (mt *methodType) call(ctx context.Context, name string, params []any) (result any, err error) {
	in, err := mt.args(ctx, params)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindDispatch).Op(name).Cause(err).Build()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = rpcerr.New(rpcerr.KindDispatch).Op(name).Detail("panic: %v", r).Build()
		}
	}()
	out := mt.fn.Call(in)

	if mt.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if mt.hasRes {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (mt *methodType) args(ctx context.Context, params []any) ([]reflect.Value, error) {
	t := mt.typ
	offset := 0
	in := make([]reflect.Value, 0, t.NumIn())
	if mt.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
		offset = 1
	}

	fixed := t.NumIn() - offset
	if t.IsVariadic() {
		fixed--
		if len(params) < fixed {
			return nil, fmt.Errorf("expects at least %d arguments, got %d", fixed, len(params))
		}
	} else if len(params) != fixed {
		return nil, fmt.Errorf("expects %d arguments, got %d", fixed, len(params))
	}

	for i, p := range params {
		var pt reflect.Type
		if t.IsVariadic() && i >= fixed {
			pt = t.In(t.NumIn() - 1).Elem()
		} else {
			pt = t.In(offset + i)
		}
		v, err := convertArg(p, pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	return in, nil
}

// convertArg turns a demarshaled value into a value of type t. Proxies become
// typed funcs; slices and string-keyed maps are converted element by element;
// anything else goes through a codec round trip.
func convertArg(p any, t reflect.Type) (reflect.Value, error) {
	if p == nil {
		return reflect.Zero(t), nil
	}
	pv := reflect.ValueOf(p)
	if pv.Type().AssignableTo(t) {
		return pv, nil
	}

	if t.Kind() == reflect.Func {
		proxy, ok := p.(*transfer.Proxy)
		if !ok {
			return reflect.Value{}, fmt.Errorf("cannot use %T as %s", p, t)
		}
		return proxyFunc(proxy, t), nil
	}

	if convertible(pv.Type(), t) {
		if isNumber(pv.Kind()) {
			if err := checkNumber(pv, t); err != nil {
				return reflect.Value{}, err
			}
		}
		return pv.Convert(t), nil
	}

	switch src := p.(type) {
	case []any:
		if t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
			out := reflect.MakeSlice(t, len(src), len(src))
			for i, e := range src {
				v, err := convertArg(e, t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("[%d]: %w", i, err)
				}
				out.Index(i).Set(v)
			}
			return out, nil
		}
	case map[string]any:
		if t.Kind() == reflect.Map && t.Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(t, len(src))
			for k, e := range src {
				v, err := convertArg(e, t.Elem())
				if err != nil {
					return reflect.Value{}, fmt.Errorf("%s: %w", k, err)
				}
				out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), v)
			}
			return out, nil
		}
	}

	target := reflect.New(t)
	if err := codec.Convert(p, target.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", p, t, err)
	}
	return target.Elem(), nil
}

// convertible allows conversions between scalar kinds of the same
// family: numbers, strings and bools.
func convertible(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	fk, tk := from.Kind(), to.Kind()
	switch {
	case isNumber(fk) && isNumber(tk):
		return true
	case fk == reflect.String && tk == reflect.String:
		return true
	case fk == reflect.Bool && tk == reflect.Bool:
		return true
	}
	return false
}

func isNumber(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Float64
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

// checkNumber rejects numeric conversions that would wrap, truncate or
// change sign.
func checkNumber(v reflect.Value, t reflect.Type) error {
	zero := reflect.Zero(t)
	tk := t.Kind()
	overflow := false

	switch {
	case isInt(v.Kind()):
		n := v.Int()
		switch {
		case isInt(tk):
			overflow = zero.OverflowInt(n)
		case isUint(tk):
			overflow = n < 0 || zero.OverflowUint(uint64(n))
		}
	case isUint(v.Kind()):
		u := v.Uint()
		switch {
		case isInt(tk):
			overflow = u > math.MaxInt64 || zero.OverflowInt(int64(u))
		case isUint(tk):
			overflow = zero.OverflowUint(u)
		}
	default:
		f := v.Float()
		if isInt(tk) || isUint(tk) {
			if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
				return fmt.Errorf("%v is not an integer, cannot use as %s", f, t)
			}
		}
		switch {
		case isInt(tk):
			overflow = f < -(1<<63) || f >= 1<<63 || zero.OverflowInt(int64(f))
		case isUint(tk):
			overflow = f < 0 || f >= 1<<64 || zero.OverflowUint(uint64(f))
		default:
			overflow = zero.OverflowFloat(f)
		}
	}

	if overflow {
		return fmt.Errorf("%v overflows %s", v.Interface(), t)
	}
	return nil
}

// proxyFunc wraps a proxy in a func of type t. A func without results calls
// the proxy fire-and-forget; a func with results waits for the remote result.
// A leading context.Context parameter bounds the wait.
func proxyFunc(p *transfer.Proxy, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(args []reflect.Value) []reflect.Value {
		ctx := context.Background()
		start := 0
		if t.NumIn() > 0 && t.In(0) == contextType {
			if c, ok := args[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			start = 1
		}

		vals := make([]any, 0, len(args))
		for i := start; i < len(args); i++ {
			if t.IsVariadic() && i == len(args)-1 {
				for j := 0; j < args[i].Len(); j++ {
					vals = append(vals, args[i].Index(j).Interface())
				}
				continue
			}
			vals = append(vals, args[i].Interface())
		}

		if t.NumOut() == 0 {
			p.Call(vals...)
			return nil
		}

		res, err := p.Request(ctx, vals...)
		out := make([]reflect.Value, t.NumOut())
		for i := range out {
			out[i] = reflect.Zero(t.Out(i))
		}
		last := t.NumOut() - 1
		hasErr := t.Out(last) == errorType

		if err == nil && (t.NumOut() == 2 || !hasErr) {
			v, cerr := convertArg(res, t.Out(0))
			if cerr != nil {
				err = cerr
			} else {
				out[0] = v
			}
		}
		if err != nil {
			if hasErr {
				out[last] = reflect.ValueOf(&err).Elem()
			} else {
				Logger().Warn("callback failed",
					zap.String("handle", string(p.Handle())),
					zap.Error(err))
			}
		}
		return out
	})
}
