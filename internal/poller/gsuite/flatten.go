package gsuite

import (
	"strconv"

	"github.com/lvonguyen/loginwatch/internal/event"
)

// Flatten collapses a nested activity record into dotted field paths
// ("id.time", "events.0.name"), so the rest of the pipeline can address
// Google's deeply nested payloads the same way as flat providers.
//
// "parameters" lists get special treatment: they are name/value pairs, so
// each entry flattens under its own name rather than its list index.
func Flatten(record map[string]any) event.Raw {
	out := make(event.Raw)
	flattenInto(out, record, "")
	return out
}

func flattenInto(out event.Raw, v any, prefix string) {
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			if key == "parameters" {
				if params, ok := child.([]any); ok {
					flattenParameters(out, params, prefix)
					continue
				}
			}
			flattenInto(out, child, join(prefix, key))
		}
	case []any:
		for i, child := range val {
			flattenInto(out, child, join(prefix, strconv.Itoa(i)))
		}
	default:
		out[prefix] = val
	}
}

func flattenParameters(out event.Raw, params []any, prefix string) {
	for _, entry := range params {
		param, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, _ := param["name"].(string)
		if name == "" {
			continue
		}
		for _, valueKey := range []string{"value", "intValue", "boolValue"} {
			if value, ok := param[valueKey]; ok {
				switch nested := value.(type) {
				case map[string]any, []any:
					flattenInto(out, nested, join(prefix, name))
				default:
					out[join(prefix, name)] = value
				}
				break
			}
		}
		if multi, ok := param["multiValue"]; ok {
			flattenInto(out, multi, join(prefix, name))
		}
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
