package oracle

import (
	"encoding/json"
	"sort"

	"google.golang.org/genai"
)

// Schema is a provider-neutral subset of JSON Schema.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// JSON schema type names.
const (
	TypeObject  = "object"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
)

// Object builds an object schema where every property is required.
func Object(props map[string]*Schema) *Schema {
	required := make([]string, 0, len(props))
	for k := range props {
		required = append(required, k)
	}
	sort.Strings(required)
	return &Schema{Type: TypeObject, Properties: props, Required: required}
}

// String builds a string schema, optionally restricted to enum values.
func String(desc string, enum ...string) *Schema {
	return &Schema{Type: TypeString, Description: desc, Enum: enum}
}

// Integer builds an integer schema.
func Integer(desc string) *Schema {
	return &Schema{Type: TypeInteger, Description: desc}
}

// Number builds a number schema.
func Number(desc string) *Schema {
	return &Schema{Type: TypeNumber, Description: desc}
}

// Boolean builds a boolean schema.
func Boolean(desc string) *Schema {
	return &Schema{Type: TypeBoolean, Description: desc}
}

// Array builds an array schema.
func Array(desc string, items *Schema) *Schema {
	return &Schema{Type: TypeArray, Description: desc, Items: items}
}

// String renders the schema as JSON for prompt embedding.
func (s *Schema) String() string {
	if s == nil {
		return ""
	}
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Schema) genai() *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genaiType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       s.Items.genai(),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v.genai()
		}
	}
	return out
}

func genaiType(t string) genai.Type {
	switch t {
	case TypeObject:
		return genai.TypeObject
	case TypeInteger:
		return genai.TypeInteger
	case TypeNumber:
		return genai.TypeNumber
	case TypeBoolean:
		return genai.TypeBoolean
	case TypeArray:
		return genai.TypeArray
	default:
		return genai.TypeString
	}
}
