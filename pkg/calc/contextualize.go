package calc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ContextualizeText replaces $name with the value bound to name. Longer names
// are substituted first so $ab is not clobbered by $a. Nothing is escaped.
func ContextualizeText(text string, context map[string]any) string {
	if text == "" || len(context) == 0 || !strings.Contains(text, "$") {
		return text
	}

	keys := make([]string, 0, len(context))
	for key := range context {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		placeholder := "$" + key
		if strings.Contains(text, placeholder) {
			text = strings.ReplaceAll(text, placeholder, FormatValue(context[key]))
		}
	}
	return text
}

// FormatValue renders a context value the way it is substituted into text.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case complex128:
		if imag(v) == 0 {
			return strconv.FormatFloat(real(v), 'g', -1, 64)
		}
		return strings.Trim(strconv.FormatComplex(v, 'g', -1, 128), "()")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
