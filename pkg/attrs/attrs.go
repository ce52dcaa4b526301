// Package attrs reads values back out of slog-style attribute lists.
package attrs

import "log/slog"

// ExtractString returns the string value for key in a list formatted the way
// slog accepts it: alternating key/value pairs, possibly mixed with slog.Attr
// items. Returns "" if the key is absent or its value is not a string.
func ExtractString(attrList []any, key string) string {
	for i := 0; i < len(attrList); i++ {
		switch k := attrList[i].(type) {
		case slog.Attr:
			if k.Key == key && k.Value.Kind() == slog.KindString {
				return k.Value.String()
			}
		case string:
			if i+1 >= len(attrList) {
				return ""
			}
			if k == key {
				if v, ok := attrList[i+1].(string); ok {
					return v
				}
			}
			i++
		}
	}
	return ""
}
