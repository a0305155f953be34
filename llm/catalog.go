package llm

// ModelInfo describes a known model.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in catalog, newest first per provider.
var Models = []ModelInfo{
	{ID: "claude-opus-4-6", Provider: "anthropic", ContextWindow: 200000, SupportsTools: true, Aliases: []string{"opus"}},
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, SupportsTools: true, Aliases: []string{"sonnet"}},
	{ID: "gpt-5.2", Provider: "openai", ContextWindow: 1047576, SupportsTools: true, Aliases: []string{"gpt5"}},
	{ID: "gpt-4o", Provider: "openai", ContextWindow: 128000, SupportsTools: true},
	{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, SupportsTools: true},
	{ID: "Qwen/Qwen2.5-VL-7B-Instruct", Provider: "vllm", ContextWindow: 32768, SupportsTools: false, Aliases: []string{"qwen2.5-vl-7b"}},
}

// GetModelInfo looks a model up by ID or alias.
func GetModelInfo(model string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == model {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == model {
				return &Models[i]
			}
		}
	}
	return nil
}

// DefaultModel returns the first catalog model for provider, or "" if the
// provider is unknown.
func DefaultModel(provider string) string {
	for _, m := range Models {
		if m.Provider == provider {
			return m.ID
		}
	}
	return ""
}

// ContextWindow returns the model's context window, falling back to 128k
// tokens for unknown models.
func ContextWindow(model string) int {
	if info := GetModelInfo(model); info != nil {
		return info.ContextWindow
	}
	return 128000
}
