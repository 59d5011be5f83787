package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const documentSchema = `{
  "type": "object",
  "required": ["apiVersion", "kind", "metadata", "spec"],
  "additionalProperties": false,
  "properties": {
    "apiVersion": {"type": "string"},
    "kind": {"enum": ["PatternRule", "SymbolTaxonomy"]},
    "metadata": {
      "type": "object",
      "required": ["id", "name"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "description": {"type": "string"}
      }
    },
    "spec": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "severity": {"type": "string"},
        "selectors": {
          "type": "object",
          "properties": {
            "origin_globs": {"type": "array", "items": {"type": "string"}},
            "exclude_origin_globs": {"type": "array", "items": {"type": "string"}}
          }
        },
        "strings": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "id": {"type": "string"},
              "text": {"type": "string"},
              "hex": {"type": "string"},
              "regex": {"type": "string"},
              "nocase": {"type": "boolean"}
            }
          }
        },
        "condition": {
          "type": "object",
          "properties": {
            "match": {"enum": ["any", "all"]},
            "min_matches": {"type": "integer", "minimum": 0}
          }
        },
        "class": {"enum": ["dangerous", "suspicious"]},
        "category": {"type": "string"},
        "symbols": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

// SchemaValidator checks raw rule documents before they are decoded
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded document schema
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("rule.json", strings.NewReader(documentSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("rule.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks one decoded document. YAML values are normalized through
// JSON first so numbers and maps have the shapes the validator expects.
func (v *SchemaValidator) Validate(doc any) error {
	normalized, err := toJSONValue(doc)
	if err != nil {
		return &ValidationError{Field: "document", Message: err.Error()}
	}
	if err := v.schema.Validate(normalized); err != nil {
		return &ValidationError{Field: "schema", Message: err.Error()}
	}
	return nil
}

func toJSONValue(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document is not representable as JSON: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
