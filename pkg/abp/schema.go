package abp

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaJSON is the structural contract for ABP documents. Check #1 compiles
// and evaluates it via jsonschema.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "abp_version", "abp_id", "scope", "authority_ref", "objectives",
    "tools", "proof", "composition", "effective_at", "created_at", "hash"
  ],
  "properties": {
    "abp_version": {"type": "string", "minLength": 1},
    "abp_id": {"type": "string", "pattern": "^ABP-[0-9a-f]{8}$"},
    "scope": {"type": "string", "minLength": 1},
    "authority_ref": {
      "type": "object",
      "required": ["authority_id", "authority_entry_hash"],
      "properties": {
        "authority_id": {"type": "string", "minLength": 1},
        "authority_entry_hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"}
      }
    },
    "objectives": {
      "type": "object",
      "required": ["allowed", "denied"],
      "properties": {
        "allowed": {"type": "array", "items": {"type": "string"}},
        "denied": {"type": "array", "items": {"type": "string"}}
      }
    },
    "tools": {
      "type": "object",
      "required": ["allow", "deny"],
      "properties": {
        "allow": {"type": "array", "items": {"type": "string"}},
        "deny": {"type": "array", "items": {"type": "string"}}
      }
    },
    "proof": {
      "type": "object",
      "required": ["required"],
      "properties": {"required": {"type": "array", "items": {"type": "string"}}}
    },
    "composition": {
      "type": "object",
      "required": ["children"],
      "properties": {
        "parent_abp_id": {"type": "string"},
        "parent_abp_hash": {"type": "string"},
        "children": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["abp_id", "hash"]
          }
        }
      }
    },
    "delegation_review": {
      "type": "object",
      "required": ["triggers", "review_policy"],
      "properties": {
        "triggers": {
          "type": "array",
          "items": {"type": "object", "required": ["id", "severity"]}
        },
        "review_policy": {"type": "object"}
      }
    },
    "hash": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"}
  }
}`

var compiledSchema = jsonschema.MustCompileString("abp_v1.json", schemaJSON)

// validateSchema evaluates the decoded document against the ABP schema.
func validateSchema(doc any) error {
	return compiledSchema.Validate(doc)
}

// schemaErrorDetail flattens a jsonschema error into a single line.
func schemaErrorDetail(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return strings.TrimSpace(loc + ": " + leaf.Message)
	}
	return err.Error()
}
