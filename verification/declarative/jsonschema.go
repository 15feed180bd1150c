package declarative

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// schema is the hand-written draft-2020-12 subset this package validates
// against: type, required, properties, items, minItems, minLength,
// minimum, maximum, enum, format. No $ref, no combinators ($allOf et
// al.), no external schema loading — every constraint is self-contained
// in the one document. No JSON Schema library appears anywhere in the
// retrieved corpus, so this is a deliberate standard-library build, not
// an oversight.
type schema struct {
	Type       string             `json:"type"`
	Required   []string           `json:"required"`
	Properties map[string]*schema `json:"properties"`
	Items      *schema            `json:"items"`
	MinItems   *int               `json:"minItems"`
	MinLength  *int               `json:"minLength"`
	Minimum    *float64           `json:"minimum"`
	Maximum    *float64           `json:"maximum"`
	Enum       []interface{}      `json:"enum"`
	Format     string             `json:"format"`
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// validateJSONSchema checks deliverable against a schema document,
// returning a human-readable reason on the first violation found.
func validateJSONSchema(schemaRaw, deliverable json.RawMessage) (bool, string) {
	var s schema
	if err := json.Unmarshal(schemaRaw, &s); err != nil {
		return false, "params.schema is not a well-formed schema document"
	}
	var value interface{}
	if err := json.Unmarshal(deliverable, &value); err != nil {
		return false, "deliverable is not well-formed JSON"
	}
	if ok, reason := validateValue(&s, value, "$"); !ok {
		return false, reason
	}
	return true, ""
}

func validateValue(s *schema, value interface{}, path string) (bool, string) {
	if s.Type != "" {
		if ok, reason := checkType(s.Type, value, path); !ok {
			return false, reason
		}
	}

	switch s.Type {
	case "object", "":
		obj, isObject := value.(map[string]interface{})
		if s.Type == "object" && !isObject {
			return false, fmt.Sprintf("%s: expected object", path)
		}
		if isObject {
			for _, req := range s.Required {
				if _, ok := obj[req]; !ok {
					return false, fmt.Sprintf("%s: missing required property %q", path, req)
				}
			}
			for key, propSchema := range s.Properties {
				if fieldValue, ok := obj[key]; ok {
					if ok, reason := validateValue(propSchema, fieldValue, path+"."+key); !ok {
						return false, reason
					}
				}
			}
		}
	case "array":
		arr, _ := value.([]interface{})
		if s.MinItems != nil && len(arr) < *s.MinItems {
			return false, fmt.Sprintf("%s: expected at least %d items", path, *s.MinItems)
		}
		if s.Items != nil {
			for i, item := range arr {
				if ok, reason := validateValue(s.Items, item, fmt.Sprintf("%s[%d]", path, i)); !ok {
					return false, reason
				}
			}
		}
	case "string":
		str, _ := value.(string)
		if s.MinLength != nil && len(str) < *s.MinLength {
			return false, fmt.Sprintf("%s: expected length at least %d", path, *s.MinLength)
		}
		if s.Format == "email" && !emailPattern.MatchString(str) {
			return false, fmt.Sprintf("%s: expected format email", path)
		}
	case "number", "integer":
		num, _ := value.(float64)
		if s.Minimum != nil && num < *s.Minimum {
			return false, fmt.Sprintf("%s: expected minimum %v", path, *s.Minimum)
		}
		if s.Maximum != nil && num > *s.Maximum {
			return false, fmt.Sprintf("%s: expected maximum %v", path, *s.Maximum)
		}
	}

	if len(s.Enum) > 0 {
		matched := false
		for _, candidate := range s.Enum {
			if valuesEqual(candidate, value) {
				matched = true
				break
			}
		}
		if !matched {
			return false, fmt.Sprintf("%s: value not in enum", path)
		}
	}

	return true, ""
}

func checkType(expected string, value interface{}, path string) (bool, string) {
	switch expected {
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return false, fmt.Sprintf("%s: expected object", path)
		}
	case "array":
		if _, ok := value.([]interface{}); !ok {
			return false, fmt.Sprintf("%s: expected array", path)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return false, fmt.Sprintf("%s: expected string", path)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return false, fmt.Sprintf("%s: expected number", path)
		}
	case "integer":
		num, ok := value.(float64)
		if !ok || num != float64(int64(num)) {
			return false, fmt.Sprintf("%s: expected integer", path)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return false, fmt.Sprintf("%s: expected boolean", path)
		}
	}
	return true, ""
}

func valuesEqual(a, b interface{}) bool {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aJSON) == string(bJSON)
}
