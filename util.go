package swarm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// DebugPrint prints debug information if debug is enabled
func DebugPrint(debug bool, args ...interface{}) {
	if !debug {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprint(args...)
	fmt.Printf("\033[97m[\033[90m%s\033[97m]\033[90m %s\033[0m\n", timestamp, message)
}

// ToolSchema renders the JSON schema of a tool's parameters.
func ToolSchema(t Tool) map[string]interface{} {
	properties := make(map[string]interface{})
	required := make([]string, 0)

	for _, p := range t.Parameters() {
		prop := map[string]interface{}{
			"type": getJSONType(p.Type),
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type != nil && p.Type.Kind() == reflect.Struct {
			fields := make(map[string]interface{})
			for j := 0; j < p.Type.NumField(); j++ {
				field := p.Type.Field(j)
				if !field.IsExported() {
					continue
				}
				fields[jsonFieldName(field)] = map[string]interface{}{
					"type": getJSONType(field.Type),
				}
			}
			prop["properties"] = fields
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return f.Name
}

// MergeFields merges source fields into target map recursively
func MergeFields(target, source map[string]interface{}) {
	for key, value := range source {
		if targetValue, exists := target[key]; exists {
			if mapValue, ok := value.(map[string]interface{}); ok {
				if targetMap, ok := targetValue.(map[string]interface{}); ok {
					MergeFields(targetMap, mapValue)
					continue
				}
			}
		}
		target[key] = value
	}
}

// getJSONType converts Go types to JSON schema types
func getJSONType(t reflect.Type) string {
	if t == nil {
		return "string"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct, reflect.Interface:
		return "object"
	case reflect.Ptr:
		return getJSONType(t.Elem())
	default:
		return "string"
	}
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseJSONObject extracts a JSON object from model output, accepting fenced code blocks.
func ParseJSONObject(content string) (map[string]interface{}, bool) {
	content = strings.TrimSpace(content)
	if m := fencedJSON.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, false
	}
	return out, true
}

// DecodeJSON unmarshals model output into v, accepting fenced code blocks.
func DecodeJSON(content string, v interface{}) error {
	content = strings.TrimSpace(content)
	if m := fencedJSON.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// Expand replaces ${key} placeholders in s with values from vars.
// Unknown keys are left untouched.
func Expand(s string, vars map[string]interface{}) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := lookup(vars, key)
		if !ok {
			return m
		}
		if str, ok := v.(string); ok {
			return str
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	})
}

// ExpandParams resolves placeholders in every string of params. A value that is
// exactly one placeholder is replaced by the referenced value itself, keeping its type.
func ExpandParams(params map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = expandValue(v, vars)
	}
	return out
}

func expandValue(v interface{}, vars map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(val); m != nil && m[0] == val {
			if resolved, ok := lookup(vars, m[1]); ok {
				return resolved
			}
		}
		return Expand(val, vars)
	case map[string]interface{}:
		return ExpandParams(val, vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expandValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// lookup resolves dotted keys against nested maps.
func lookup(vars map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := vars[key]; ok {
		return v, true
	}
	parts := strings.Split(key, ".")
	var cur interface{} = vars
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
