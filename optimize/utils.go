package optimize

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ReadFloats parses whitespace or comma separated numbers, such as a
// line of an optimizer trace.
func ReadFloats(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	result := make([]float64, 0, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return result, fmt.Errorf("value %d: %w", i+1, err)
		}
		result = append(result, x)
	}
	return result, nil
}
