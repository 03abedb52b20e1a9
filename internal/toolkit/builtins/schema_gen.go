// Package builtins implements the engine's built-in tools: read_file and
// apply_patch, recovered from original_source's
// crates/agent/src/tools/builtins (read_file.rs, patch_utils.rs) and
// reimplemented against contract.Tool.
package builtins

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// generateSchema derives a tool's JSON-schema parameters from a Go
// struct using jsonschema tags, adapted from
// pkg/tool/functiontool/schema.go's generateSchema[T] (kadirpekel-hector),
// so the struct a tool unmarshals its arguments into is the single
// source of truth for what the LLM sees.
func generateSchema[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("builtins: reflect schema: %v", err))
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("builtins: decode schema: %v", err))
	}
	delete(m, "$schema")
	delete(m, "$id")

	out, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("builtins: re-encode schema: %v", err))
	}
	return out
}
