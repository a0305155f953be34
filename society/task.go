package society

import "maps"

// FileRef points at a file attached to a task. The society only holds the
// reference; reading it is up to the tools.
type FileRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// TaskContext is the task a society works on. It is fixed when the society
// is created.
type TaskContext struct {
	Prompt   string            `json:"prompt"`
	Files    []FileRef         `json:"files,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (t TaskContext) clone() TaskContext {
	out := TaskContext{Prompt: t.Prompt}
	if len(t.Files) > 0 {
		out.Files = append([]FileRef(nil), t.Files...)
	}
	if len(t.Metadata) > 0 {
		out.Metadata = maps.Clone(t.Metadata)
	}
	return out
}
