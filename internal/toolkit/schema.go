package toolkit

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quorumrun/nexus/pkg/model"
)

// ValidateArgs checks argsJSON against def's JSON-schema parameters
// before a tool is ever dispatched, per §4.3. An empty or missing
// schema is treated as "accepts anything."
func ValidateArgs(def model.ToolDefinition, argsJSON json.RawMessage) error {
	if len(def.Parameters) == 0 || bytes.Equal(bytes.TrimSpace(def.Parameters), []byte("{}")) {
		return nil
	}
	if len(argsJSON) == 0 {
		argsJSON = []byte("{}")
	}

	compiler := jsonschema.NewCompiler()
	schemaURL := "mem://" + def.Name + ".json"
	if err := compiler.AddResource(schemaURL, bytes.NewReader(def.Parameters)); err != nil {
		return fmt.Errorf("toolkit: compile schema for %q: %w", def.Name, err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("toolkit: invalid schema for %q: %w", def.Name, err)
	}

	var doc any
	if err := json.Unmarshal(argsJSON, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
