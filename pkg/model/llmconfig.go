package model

import "encoding/json"

// LLMConfig is a canonicalized, de-duplicated set of provider parameters a
// session points at. The session stores keep and return Params as given,
// api_key included; only Redacted removes it.
type LLMConfig struct {
	ID       string          `json:"id"`
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Params   json.RawMessage `json:"params"`
}

// Redacted returns a config carrying only the ID and Params with the
// provider, model, name and api_key keys removed; its Provider and Model
// fields are empty. If Params is not a JSON object, only the ID is kept.
func (c LLMConfig) Redacted() LLMConfig {
	var m map[string]any
	if err := json.Unmarshal(c.Params, &m); err != nil {
		return LLMConfig{ID: c.ID}
	}
	for _, key := range []string{"api_key", "provider", "model", "name"} {
		delete(m, key)
	}
	redacted, _ := json.Marshal(m)
	return LLMConfig{ID: c.ID, Params: redacted}
}
