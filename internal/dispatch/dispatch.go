// Package dispatch implements the "given an object and a method name,
// produce a callable or fail" capability lookup behind method invocation:
// a reflection facility, kept isolated from internal/daemon so the
// executor never imports "reflect" directly.
package dispatch

import (
	"fmt"
	"reflect"

	"github.com/TovarnovM/loopback-singleton/internal/codec"
)

// Decoder decodes a single codec-encoded argument into dst, which points at
// the concrete Go type the target method expects.
type Decoder func(data []byte, dst any) error

// Invoke looks up method on obj by name and calls it with args decoded
// (via c) directly into the method's declared parameter types, one
// argument at a time. The dispatcher never materializes an intermediate
// untyped value: each argument travels opaque until the moment it is
// decoded into the exact type the method requires.
//
// The target method must return at most two values, the last (if two) of
// type error. A single non-error return value, a single error return
// value, or no return value are all accepted.
//
// kwargs are not supported: Go methods have no notion of named arguments,
// so a non-empty kwargs map is rejected with an error rather than silently
// ignored.
func Invoke(obj any, method string, c codec.Codec, args [][]byte, kwargs map[string][]byte) (any, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("dispatch: keyword arguments are not supported (got %d)", len(kwargs))
	}

	fn, numIn, err := lookup(obj, method)
	if err != nil {
		return nil, err
	}

	if len(args) != numIn {
		return nil, fmt.Errorf("dispatch: method %q takes %d argument(s), got %d", method, numIn, len(args))
	}

	fnType := fn.Type()
	in := make([]reflect.Value, numIn)
	for i, raw := range args {
		paramType := fnType.In(i)
		ptr := reflect.New(paramType)
		if err := c.Decode(raw, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("dispatch: decoding argument %d of %q: %w", i, method, err)
		}
		in[i] = ptr.Elem()
	}

	out := fn.Call(in)
	return splitReturn(out)
}

// lookup resolves method on obj via reflection and validates its shape.
func lookup(obj any, method string) (reflect.Value, int, error) {
	if obj == nil {
		return reflect.Value{}, 0, fmt.Errorf("dispatch: nil singleton object")
	}

	v := reflect.ValueOf(obj)
	fn := v.MethodByName(method)
	if !fn.IsValid() {
		return reflect.Value{}, 0, fmt.Errorf("dispatch: %w: %q on %T", ErrMethodNotFound, method, obj)
	}

	fnType := fn.Type()
	if fnType.IsVariadic() {
		return reflect.Value{}, 0, fmt.Errorf("dispatch: method %q is variadic, which is not supported", method)
	}
	switch fnType.NumOut() {
	case 0, 1:
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return reflect.Value{}, 0, fmt.Errorf("dispatch: method %q's second return value must be error", method)
		}
	default:
		return reflect.Value{}, 0, fmt.Errorf("dispatch: method %q returns %d values, expected at most 2", method, fnType.NumOut())
	}

	return fn, fnType.NumIn(), nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// ErrMethodNotFound is wrapped into the error returned by Invoke when
// the requested method does not exist on the singleton object.
var ErrMethodNotFound = fmt.Errorf("method not found")

func splitReturn(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errorType) {
			if out[0].IsNil() {
				return nil, nil
			}
			return nil, out[0].Interface().(error)
		}
		return out[0].Interface(), nil
	case 2:
		var err error
		if !out[1].IsNil() {
			err = out[1].Interface().(error)
		}
		return out[0].Interface(), err
	default:
		return nil, fmt.Errorf("dispatch: unexpected return arity %d", len(out))
	}
}
