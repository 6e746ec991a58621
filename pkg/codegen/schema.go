package codegen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// schemaNode is a hand-walked view of the JSON-Schema-style record/list/
// primitive/enum dialect that tool providers declare their input and
// output schemas in. It keeps `properties` in declaration order (the
// stdlib's map-based json.Unmarshal does not) so that repeated generation
// from an unchanged schema produces byte-identical Python source.
type schemaNode struct {
	Type        string
	Description string
	Enum        []json.RawMessage
	Items       *schemaNode
	Properties  map[string]*schemaNode
	PropOrder   []string
	Required    map[string]bool
	Default     json.RawMessage
}

func parseSchemaNode(raw json.RawMessage) (*schemaNode, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &schemaNode{Type: "string"}, nil
	}

	var head struct {
		Type        string            `json:"type"`
		Description string            `json:"description"`
		Enum        []json.RawMessage `json:"enum"`
		Items       json.RawMessage   `json:"items"`
		Properties  json.RawMessage   `json:"properties"`
		Required    []string          `json:"required"`
		Default     json.RawMessage   `json:"default"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	node := &schemaNode{
		Type:        head.Type,
		Description: head.Description,
		Enum:        head.Enum,
		Default:     head.Default,
		Required:    make(map[string]bool, len(head.Required)),
	}
	for _, name := range head.Required {
		node.Required[name] = true
	}

	if len(bytes.TrimSpace(head.Items)) > 0 {
		item, err := parseSchemaNode(head.Items)
		if err != nil {
			return nil, err
		}
		node.Items = item
		if node.Type == "" {
			node.Type = "array"
		}
	}

	if len(bytes.TrimSpace(head.Properties)) > 0 {
		props, order, err := parseProperties(head.Properties)
		if err != nil {
			return nil, err
		}
		node.Properties = props
		node.PropOrder = order
		if node.Type == "" {
			node.Type = "object"
		}
	}

	return node, nil
}

// parseProperties walks the `properties` object with a streaming decoder
// instead of json.Unmarshal into a map, preserving the order fields were
// declared in the source schema.
func parseProperties(raw json.RawMessage) (map[string]*schemaNode, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	if _, err := dec.Token(); err != nil { // opening '{'
		return nil, nil, fmt.Errorf("parse properties: %w", err)
	}

	props := make(map[string]*schemaNode)
	var order []string

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("parse properties: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("parse properties: non-string key %v", keyTok)
		}

		var valRaw json.RawMessage
		if err := dec.Decode(&valRaw); err != nil {
			return nil, nil, fmt.Errorf("parse properties %q: %w", key, err)
		}

		node, err := parseSchemaNode(valRaw)
		if err != nil {
			return nil, nil, fmt.Errorf("parse properties %q: %w", key, err)
		}

		props[key] = node
		order = append(order, key)
	}

	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, nil, fmt.Errorf("parse properties: %w", err)
	}

	return props, order, nil
}

// emitModel renders schema as a tree of Pydantic BaseModel classes named
// className, appending every nested class definition to classes (parents
// after children, the order Python needs them defined in) and returning
// the Python type expression a field of this schema should use.
func emitModel(className string, schema *schemaNode, classes *[]string) string {
	switch schema.Type {
	case "object":
		emitObjectClass(className, schema, classes)
		return className
	case "array":
		itemClass := className + "Item"
		itemType := "Any"
		if schema.Items != nil {
			itemType = emitModel(itemClass, schema.Items, classes)
		}
		return fmt.Sprintf("list[%s]", itemType)
	default:
		return pythonPrimitive(schema)
	}
}

func emitObjectClass(className string, schema *schemaNode, classes *[]string) {
	var b strings.Builder
	fmt.Fprintf(&b, "class %s(BaseModel):\n", className)
	if schema.Description != "" {
		fmt.Fprintf(&b, "    \"\"\"%s\"\"\"\n\n", escapeDocstring(schema.Description))
	}

	if len(schema.PropOrder) == 0 {
		b.WriteString("    pass\n")
	}

	for _, name := range schema.PropOrder {
		field := schema.Properties[name]
		fieldClass := fieldClassName(className, name)
		pyType := emitModel(fieldClass, field, classes)

		required := schema.Required[name]
		if !required {
			pyType = fmt.Sprintf("Optional[%s]", pyType)
		}

		line := fmt.Sprintf("    %s: %s", name, pyType)
		if args := fieldArgs(field, required); args != "" {
			line += fmt.Sprintf(" = Field(%s)", args)
		} else if !required {
			line += " = None"
		}
		b.WriteString(line + "\n")
	}

	*classes = append(*classes, b.String())
}

func fieldArgs(field *schemaNode, required bool) string {
	var args []string
	if len(field.Default) > 0 {
		args = append(args, fmt.Sprintf("default=%s", jsonLiteralToPython(field.Default)))
	} else if !required {
		args = append(args, "default=None")
	}
	if field.Description != "" {
		args = append(args, fmt.Sprintf("description=%q", field.Description))
	}
	if len(args) == 1 && strings.HasPrefix(args[0], "default=None") {
		// A bare default=None is expressed with plain `= None`, not Field().
		return ""
	}
	sort.Strings(args) // default before description, deterministically
	return strings.Join(args, ", ")
}

func pythonPrimitive(schema *schemaNode) string {
	if len(schema.Enum) > 0 {
		return enumLiteral(schema.Enum)
	}
	switch schema.Type {
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "string":
		return "str"
	case "":
		return "Any"
	default:
		return "Any"
	}
}

func enumLiteral(values []json.RawMessage) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = jsonLiteralToPython(v)
	}
	return fmt.Sprintf("Literal[%s]", strings.Join(parts, ", "))
}

func jsonLiteralToPython(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "None"
	}
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		data, _ := json.Marshal(val)
		return string(data)
	}
}

// InferJSONSchema builds a JSON-Schema document describing sample's shape,
// for tools that declare no output schema but have at least one recorded
// sample result (pkg/codegen/samples). Object keys are sorted for
// determinism, since a captured sample carries no declared field order the
// way a provider's schema does.
func InferJSONSchema(sample json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(sample, &v); err != nil {
		return json.RawMessage(`{"type":"string"}`)
	}
	data, err := json.Marshal(inferSchemaValue(v))
	if err != nil {
		return json.RawMessage(`{"type":"string"}`)
	}
	return data
}

func inferSchemaValue(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		props := make(map[string]any, len(val))
		required := make([]string, 0, len(val))
		for _, k := range keys {
			props[k] = inferSchemaValue(val[k])
			required = append(required, k)
		}
		return map[string]any{"type": "object", "properties": props, "required": required}
	case []any:
		if len(val) == 0 {
			return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
		}
		return map[string]any{"type": "array", "items": inferSchemaValue(val[0])}
	case string:
		return map[string]any{"type": "string"}
	case bool:
		return map[string]any{"type": "boolean"}
	case float64:
		if val == float64(int64(val)) {
			return map[string]any{"type": "integer"}
		}
		return map[string]any{"type": "number"}
	default:
		return map[string]any{"type": "string"}
	}
}

func fieldClassName(parent, field string) string {
	return parent + strings.Title(sanitizeIdentifier(field))
}

func escapeDocstring(s string) string {
	return strings.ReplaceAll(s, `"""`, `\"\"\"`)
}
