package compiler

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/soochol/comfy-remote/internal/workflow"
)

// coerce converts a literal to the scalar kind the target field expects.
// Coercion is best-effort: a value that cannot be converted is passed
// through unchanged and left for the server's own validation to report.
func coerce(value any, kind workflow.Kind) any {
	if value == nil {
		return nil
	}
	switch kind {
	case workflow.KindInt:
		if v, ok := toInt(value); ok {
			return v
		}
	case workflow.KindFloat:
		if v, ok := toFloat(value); ok {
			return v
		}
	case workflow.KindBool:
		if v, ok := toBool(value); ok {
			return v
		}
	case workflow.KindString:
		return toString(value)
	}
	return value
}

func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		if f, err := v.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b, true
		}
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i != 0, true
		}
	}
	return false, false
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
