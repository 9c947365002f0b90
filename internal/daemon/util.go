package daemon

import "reflect"

// typeName returns a short, stable name for v's dynamic type, used as the
// best-effort remote-error kind tag.
func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "error"
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
