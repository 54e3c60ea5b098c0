package metrics

import "go.opentelemetry.io/otel/attribute"

// attrsOf zips label keys (declared at instrument creation) with the values
// supplied at the call site into OTEL attributes.
func attrsOf(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}
