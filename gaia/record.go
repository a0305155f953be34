// Package gaia loads GAIA benchmark tasks, turns them into societies and
// scores model answers with the benchmark's normalization rules.
package gaia

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/itchyny/gojq"
)

// Level is a GAIA difficulty level. Datasets store it as a number or a
// numeric string.
type Level int

func (l *Level) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*l = Level(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	if s == "" {
		*l = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("level %q: %w", s, err)
	}
	*l = Level(n)
	return nil
}

// Record is one line of a GAIA metadata.jsonl file.
type Record struct {
	TaskID      string         `json:"task_id"`
	Question    string         `json:"Question"`
	Level       Level          `json:"Level"`
	FinalAnswer string         `json:"Final answer"`
	FileName    string         `json:"file_name"`
	Annotator   map[string]any `json:"Annotator Metadata,omitempty"`
	// FilePath is FileName resolved against the dataset directory.
	FilePath string `json:"-"`
}

// Filter selects records with a jq expression evaluated against each raw
// JSON line. A record is kept when the expression yields true or an object;
// an object result replaces the record.
type Filter struct {
	Expr  string
	query *gojq.Query
}

// ParseFilter compiles expr. An empty expression keeps every record.
func ParseFilter(expr string) (*Filter, error) {
	if expr == "" {
		return &Filter{}, nil
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expr, err)
	}
	return &Filter{Expr: expr, query: q}, nil
}

// apply runs the filter on one decoded line and returns the objects to keep.
func (f *Filter) apply(v map[string]any) ([]map[string]any, error) {
	if f == nil || f.query == nil {
		return []map[string]any{v}, nil
	}
	var kept []map[string]any
	iter := f.query.Run(v)
	for {
		out, ok := iter.Next()
		if !ok {
			break
		}
		switch out := out.(type) {
		case error:
			return nil, fmt.Errorf("jq error: %w", out)
		case bool:
			if out {
				kept = append(kept, v)
			}
		case map[string]any:
			kept = append(kept, out)
		}
	}
	return kept, nil
}

// Load decodes JSONL records from r, keeping those the filter selects.
// Blank lines are skipped.
func Load(r io.Reader, filter *Filter) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []Record
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		kept, err := filter.apply(v)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for _, obj := range kept {
			data, err := json.Marshal(obj)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			records = append(records, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}

// LoadFile loads a metadata.jsonl file and resolves attachment paths
// against its directory.
func LoadFile(path string, filter *Filter) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := Load(f, filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range records {
		if records[i].FileName != "" {
			records[i].FilePath = filepath.Join(dir, records[i].FileName)
		}
	}
	return records, nil
}
