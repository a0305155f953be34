package llm

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// RepairArguments turns raw tool-call arguments from a model into valid
// JSON. Models regularly emit trailing commas, single quotes or truncated
// objects; those are repaired. Empty input becomes {} and input that cannot
// be repaired is kept as a JSON string so the tool sees what was sent.
func RepairArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	if fixed, err := jsonrepair.JSONRepair(raw); err == nil && json.Valid([]byte(fixed)) {
		return json.RawMessage(fixed)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}
