package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas for the admin update endpoints. Validation runs
// before any field is applied, so a bad body never half-updates a rule
// or policy.

const ruleUpdateSchema = `{
	"type": "object",
	"additionalProperties": false,
	"minProperties": 1,
	"properties": {
		"enabled":    {"type": "boolean"},
		"priority":   {"type": "integer", "minimum": 0},
		"cooldownMs": {"type": "integer", "minimum": 0},
		"targetMode": {"type": "string", "enum": ["database", "replica", "memory_optimized", "hybrid", "read_only", "memory"]}
	}
}`

const policyUpdateSchema = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["autoFixEnabled", "autoFixMaxSeverity"],
	"properties": {
		"autoFixEnabled":     {"type": "boolean"},
		"autoFixMaxSeverity": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
	}
}`

var (
	ruleUpdateValidator   = gojsonschema.NewStringLoader(ruleUpdateSchema)
	policyUpdateValidator = gojsonschema.NewStringLoader(policyUpdateSchema)
)

func validateBody(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid body: %s", strings.Join(msgs, "; "))
}
