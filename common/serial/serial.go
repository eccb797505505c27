// Package serial provides utilities to convert arbitrary values into strings.
package serial

import (
	"fmt"
	"strings"
)

// ToString converts an arbitrary value to a string. It uses the String()
// method if available, otherwise falls back to fmt formatting.
func ToString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case *string:
		return *value
	case fmt.Stringer:
		return value.String()
	case error:
		return value.Error()
	default:
		return fmt.Sprintf("%+v", value)
	}
}

// Concat concatenates the string representation of the given values.
func Concat(v ...interface{}) string {
	builder := strings.Builder{}
	for _, value := range v {
		builder.WriteString(ToString(value))
	}
	return builder.String()
}
