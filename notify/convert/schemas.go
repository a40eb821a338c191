package convert

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemas holds one compiled JSON Schema per integration type. Compilation
// happens once at package init; a malformed schema is a programming error.
var schemas = func() map[string]*jsonschema.Schema {
	raw := map[string]string{
		"gotify": `{
			"type": "object",
			"required": ["server_url", "token"],
			"properties": {
				"server_url": {"type": "string", "minLength": 1},
				"token": {"type": "string", "minLength": 1},
				"priority": {"enum": ["low", "normal", "high"]}
			},
			"additionalProperties": false
		}`,
		"email": `{
			"type": "object",
			"required": ["to", "smtp_host", "username", "password"],
			"properties": {
				"to": {"type": "string", "minLength": 3, "pattern": "^[^@]+@[^@]+$"},
				"smtp_host": {"type": "string", "minLength": 1},
				"smtp_port": {"type": "integer", "minimum": 1, "maximum": 65535},
				"username": {"type": "string", "minLength": 1},
				"password": {"type": "string", "minLength": 1},
				"from": {"type": "string"},
				"use_tls": {"type": "boolean"}
			},
			"additionalProperties": false
		}`,
		"ntfy": `{
			"type": "object",
			"required": ["topic"],
			"properties": {
				"server_url": {"type": "string"},
				"topic": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_-]+$"}
			},
			"additionalProperties": false
		}`,
		"discord": `{
			"type": "object",
			"required": ["webhook_url"],
			"properties": {
				"webhook_url": {"type": "string", "minLength": 1}
			},
			"additionalProperties": false
		}`,
		"slack": `{
			"type": "object",
			"required": ["webhook_url"],
			"properties": {
				"webhook_url": {"type": "string", "minLength": 1}
			},
			"additionalProperties": false
		}`,
	}

	compiler := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(raw))
	for typ, src := range raw {
		name := typ + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			panic(fmt.Sprintf("convert: schema %s: %v", typ, err))
		}
		if err := compiler.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("convert: schema %s: %v", typ, err))
		}
		sch, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("convert: schema %s: %v", typ, err))
		}
		out[typ] = sch
	}
	return out
}()

// Types lists the integration types this package can convert.
func Types() []string {
	out := make([]string, 0, len(schemas))
	for typ := range schemas {
		out = append(out, typ)
	}
	return out
}
