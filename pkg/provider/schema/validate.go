// Package schema validates tool call arguments against the record/list/
// primitive/enum JSON-Schema subset providers declare their tools in,
// before the Tool Service forwards the call onward. It mirrors this
// codebase's MCP tool-schema pass-through shape, adding the validation
// step ipybox's own coordinator performs before issuing a tool call.
package schema

import (
	"encoding/json"
	"fmt"
)

// node is the subset of JSON Schema this validator understands: object,
// array, string/integer/number/boolean, and enumerations.
type node struct {
	Type       string            `json:"type"`
	Properties map[string]node   `json:"properties"`
	Required   []string          `json:"required"`
	Items      *node             `json:"items"`
	Enum       []json.RawMessage `json:"enum"`
	Minimum    *float64          `json:"minimum"`
	Maximum    *float64          `json:"maximum"`
}

// Validate checks arguments against schema, encoded as raw JSON Schema.
// An empty schema always validates (tools with no declared parameters).
func Validate(rawSchema json.RawMessage, arguments map[string]any) error {
	if len(rawSchema) == 0 {
		return nil
	}

	var root node
	if err := json.Unmarshal(rawSchema, &root); err != nil {
		return fmt.Errorf("schema: invalid input schema: %w", err)
	}

	return validateObject(root, arguments, "")
}

func validateObject(n node, value any, path string) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return fieldError(path, "expected an object")
	}

	for _, name := range n.Required {
		if _, ok := obj[name]; !ok {
			return fieldError(joinPath(path, name), "required field is missing")
		}
	}

	for name, v := range obj {
		field, declared := n.Properties[name]
		if !declared {
			continue // unknown fields pass through; providers may evolve schemas independently
		}
		if err := validateValue(field, v, joinPath(path, name)); err != nil {
			return err
		}
	}

	return nil
}

func validateValue(n node, value any, path string) error {
	if len(n.Enum) > 0 {
		if !matchesEnum(n.Enum, value) {
			return fieldError(path, "value is not one of the allowed enum values")
		}
	}

	switch n.Type {
	case "object":
		return validateObject(n, value, path)
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fieldError(path, "expected an array")
		}
		if n.Items != nil {
			for i, item := range arr {
				if err := validateValue(*n.Items, item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fieldError(path, "expected a string")
		}
	case "integer":
		num, ok := value.(float64)
		if !ok || num != float64(int64(num)) {
			return fieldError(path, "expected an integer")
		}
		if err := validateRange(n, num, path); err != nil {
			return err
		}
	case "number":
		num, ok := value.(float64)
		if !ok {
			return fieldError(path, "expected a number")
		}
		if err := validateRange(n, num, path); err != nil {
			return err
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fieldError(path, "expected a boolean")
		}
	}

	return nil
}

func validateRange(n node, value float64, path string) error {
	if n.Minimum != nil && value < *n.Minimum {
		return fieldError(path, fmt.Sprintf("value must be >= %v", *n.Minimum))
	}
	if n.Maximum != nil && value > *n.Maximum {
		return fieldError(path, fmt.Sprintf("value must be <= %v", *n.Maximum))
	}
	return nil
}

func matchesEnum(enum []json.RawMessage, value any) bool {
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	for _, allowed := range enum {
		if string(allowed) == string(data) {
			return true
		}
	}
	return false
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// ValidationError reports which field of a tool call's arguments failed
// validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(path, message string) error {
	if path == "" {
		path = "(root)"
	}
	return &ValidationError{Field: path, Message: message}
}
