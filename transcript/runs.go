package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/martinemde/roleplay/llm"
	"github.com/martinemde/roleplay/runner"
	"github.com/martinemde/roleplay/society"
)

// ErrNotFound is returned when no run matches.
var ErrNotFound = errors.New("run not found")

const timeFmt = "2006-01-02T15:04:05.000Z"

// Run is one stored attempt at a task.
type Run struct {
	ID        int64
	RunID     string
	TaskID    string
	Attempt   int
	Answer    string
	Extracted bool
	Reason    society.Reason
	Rounds    int
	Failures  int
	Usage     llm.Usage
	Duration  time.Duration
	// Truth and Correct are set when the task has a known answer.
	Truth   *string
	Correct *bool
	Error   string
	// Prompt is the assistant's system prompt for the run.
	Prompt    string
	Trace     []society.Message
	CreatedAt time.Time
}

// FromResult converts a runner result for taskID into a Run. runErr is the
// error Run returned alongside res, if any.
func FromResult(taskID string, res *runner.Result, runErr error) *Run {
	r := &Run{TaskID: taskID}
	if res != nil {
		r.RunID = res.RunID
		r.Answer = res.Answer
		r.Extracted = res.Extracted
		r.Reason = res.Termination.Reason
		r.Rounds = res.Termination.Rounds
		r.Failures = res.Failures
		r.Usage = res.Usage
		r.Duration = res.Duration
		r.Trace = res.Trace
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

// Grade records the expected answer and whether the run matched it.
func (r *Run) Grade(truth string, correct bool) {
	r.Truth = &truth
	r.Correct = &correct
}

// Failed reports whether the run should be retried: it was graded wrong,
// or, ungraded, it ended without a completion or a tool fed it raw binary
// data.
func (r *Run) Failed() bool {
	if r.Correct != nil {
		return !*r.Correct
	}
	if r.Error != "" {
		return true
	}
	for _, m := range r.Trace {
		if m.HasBinaryToolOutput() {
			return true
		}
	}
	return r.Reason != society.ReasonTaskCompleted && r.Reason != society.ReasonAgentStop
}

// Save stores r as the next attempt of its task and fills in ID, Attempt
// and CreatedAt.
func (s *Store) Save(ctx context.Context, r *Run) error {
	if r.RunID == "" || r.TaskID == "" {
		return errors.New("save run: run id and task id are required")
	}
	trace, err := json.Marshal(r.Trace)
	if err != nil {
		return fmt.Errorf("save run: encode trace: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var correct *int
	if r.Correct != nil {
		v := 0
		if *r.Correct {
			v = 1
		}
		correct = &v
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var attempt int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt), 0) + 1 FROM runs WHERE task_id = ?`, r.TaskID).Scan(&attempt); err != nil {
			return fmt.Errorf("save run: next attempt: %w", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO runs (run_id, task_id, attempt, answer, extracted, reason, rounds, failures,
			input_tokens, output_tokens, total_tokens, duration_ms, truth, correct, error, prompt, trace, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.TaskID, attempt, r.Answer, r.Extracted, string(r.Reason), r.Rounds, r.Failures,
			r.Usage.InputTokens, r.Usage.OutputTokens, r.Usage.TotalTokens, r.Duration.Milliseconds(),
			r.Truth, correct, r.Error, r.Prompt, string(trace), r.CreatedAt.UTC().Format(timeFmt))
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		r.ID, r.Attempt = id, attempt
		return nil
	})
}

const runColumns = `id, run_id, task_id, attempt, answer, extracted, reason, rounds, failures,
	input_tokens, output_tokens, total_tokens, duration_ms, truth, correct, error, prompt, trace, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	r := &Run{}
	var (
		reason, trace, createdAt string
		durationMS               int64
		correct                  *int
	)
	if err := sc.Scan(&r.ID, &r.RunID, &r.TaskID, &r.Attempt, &r.Answer, &r.Extracted, &reason, &r.Rounds, &r.Failures,
		&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Usage.TotalTokens, &durationMS, &r.Truth, &correct, &r.Error,
		&r.Prompt, &trace, &createdAt); err != nil {
		return nil, err
	}
	r.Reason = society.Reason(reason)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if correct != nil {
		v := *correct != 0
		r.Correct = &v
	}
	if err := json.Unmarshal([]byte(trace), &r.Trace); err != nil {
		return nil, fmt.Errorf("decode trace of %s: %w", r.RunID, err)
	}
	r.CreatedAt, _ = time.Parse(timeFmt, createdAt)
	return r, nil
}

// Get returns the run with the given run ID.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// Attempts returns every run of taskID, oldest first.
func (s *Store) Attempts(ctx context.Context, taskID string) ([]*Run, error) {
	return s.query(ctx, `SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY attempt`, taskID)
}

// Correct returns every run graded correct, ordered by task and attempt.
func (s *Store) Correct(ctx context.Context) ([]*Run, error) {
	return s.query(ctx, `SELECT `+runColumns+` FROM runs WHERE correct = 1 ORDER BY task_id, attempt`)
}

// Latest returns the most recent attempt of every task, ordered by task ID.
func (s *Store) Latest(ctx context.Context) ([]*Run, error) {
	return s.query(ctx, `SELECT `+runColumns+` FROM runs r
		WHERE attempt = (SELECT MAX(attempt) FROM runs WHERE task_id = r.task_id)
		ORDER BY task_id`)
}

// FailedTaskIDs returns the tasks whose latest attempt failed.
func (s *Store) FailedTaskIDs(ctx context.Context) ([]string, error) {
	latest, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range latest {
		if r.Failed() {
			ids = append(ids, r.TaskID)
		}
	}
	return ids, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
