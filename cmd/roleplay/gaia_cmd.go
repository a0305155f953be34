package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/martinemde/roleplay/config"
	"github.com/martinemde/roleplay/gaia"
	"github.com/martinemde/roleplay/runner"
	"github.com/martinemde/roleplay/society"
	"github.com/martinemde/roleplay/transcript"
)

type gaiaOptions struct {
	dataset     string
	filter      string
	concurrency int
	attempts    int
	limit       int
	storePath   string
	onlyFailed  bool
}

func newGaiaCmd(a *app) *cobra.Command {
	var opts gaiaOptions
	cmd := &cobra.Command{
		Use:   "gaia",
		Short: "Run a GAIA dataset and score the answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.concurrency <= 0 {
				opts.concurrency = a.cfg.Batch.Concurrency
			}
			if opts.attempts <= 0 {
				opts.attempts = a.cfg.Batch.Attempts
			}
			if opts.storePath == "" {
				opts.storePath = a.cfg.Store.Path
			}
			return a.runGaia(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.dataset, "dataset", "", "Path to a GAIA metadata.jsonl file")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "jq expression selecting tasks, e.g. 'select(.Level == 1)'")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Tasks run at once (default batch.concurrency)")
	cmd.Flags().IntVar(&opts.attempts, "attempts", 0, "Runs per task (default batch.attempts)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Run at most this many tasks")
	cmd.Flags().StringVar(&opts.storePath, "store", "", "SQLite file to record runs in (default store.path)")
	cmd.Flags().BoolVar(&opts.onlyFailed, "only-failed", false, "Only run tasks whose latest stored attempt failed")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func (a *app) runGaia(cmd *cobra.Command, opts gaiaOptions) error {
	ctx := cmd.Context()
	filter, err := gaia.ParseFilter(opts.filter)
	if err != nil {
		return err
	}
	records, err := gaia.LoadFile(opts.dataset, filter)
	if err != nil {
		return err
	}

	var store *transcript.Store
	if opts.storePath != "" {
		store, err = transcript.Open(opts.storePath)
		if err != nil {
			return err
		}
		defer store.Close()
	}
	if opts.onlyFailed {
		if store == nil {
			return errors.New("--only-failed needs a store")
		}
		failed, err := store.FailedTaskIDs(ctx)
		if err != nil {
			return err
		}
		records = slices.DeleteFunc(records, func(r gaia.Record) bool {
			return !slices.Contains(failed, r.TaskID)
		})
	}
	if opts.limit > 0 && len(records) > opts.limit {
		records = records[:opts.limit]
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no tasks selected")
		return nil
	}

	pair, err := newAgentPair(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer pair.Close()

	byID := make(map[string]gaia.Record, len(records))
	var jobs []runner.Job
	for _, rec := range records {
		byID[rec.TaskID] = rec
		for range opts.attempts {
			jobs = append(jobs, runner.Job{
				ID: rec.TaskID,
				New: func(context.Context) (runner.Stepper, error) {
					s, err := gaia.NewSociety(rec, pair.user, pair.assistant, societyOptions(a.cfg, nil)...)
					if err != nil {
						return nil, err
					}
					return s, nil
				},
			})
		}
	}
	a.logger.Info("running gaia tasks", "tasks", len(records), "attempts", opts.attempts, "concurrency", opts.concurrency)

	results := runner.RunBatch(ctx, jobs, runner.BatchOptions{
		Concurrency: opts.concurrency,
		Config:      runnerConfig(a.cfg, a.logger, newLimiter(a.cfg.RateLimit)),
		OnResult: func(jr runner.JobResult) {
			row := gradeResult(byID[jr.ID], jr)
			a.logger.Info("task finished", "task_id", jr.ID, "answer", row.answer, "correct", row.correct)
			if store == nil || jr.Result == nil || jr.Result.RunID == "" {
				return
			}
			run := transcript.FromResult(jr.ID, jr.Result, jr.Err)
			run.Prompt = assistantPrompt(byID[jr.ID], a.cfg, pair.assistant)
			if row.graded {
				run.Grade(row.truth, row.correct)
			}
			if err := store.Save(context.WithoutCancel(ctx), run); err != nil {
				a.logger.Error("save run", "task_id", jr.ID, "error", err)
			}
		},
	})

	rows := make([]taskRow, 0, len(results))
	for _, jr := range results {
		rows = append(rows, gradeResult(byID[jr.ID], jr))
	}
	renderBatch(cmd.OutOrStdout(), summarize(rows))
	return ctx.Err()
}

// assistantPrompt is the system prompt the assistant of rec's society runs
// with.
func assistantPrompt(rec gaia.Record, cfg *config.Config, assistant society.AgentConfig) string {
	if assistant.SystemPrompt != "" {
		return assistant.SystemPrompt
	}
	var tools []string
	if assistant.Tools != nil {
		tools = assistant.Tools.Names()
	}
	return society.AssistantPrompt(gaia.TaskContext(rec), cfg.Runner.AnswerField, tools)
}

// taskRow is one graded attempt.
type taskRow struct {
	taskID  string
	level   gaia.Level
	answer  string
	truth   string
	graded  bool
	correct bool
	suspect bool
	result  *runner.Result
	err     error
}

func gradeResult(rec gaia.Record, jr runner.JobResult) taskRow {
	row := taskRow{taskID: jr.ID, level: rec.Level, truth: rec.FinalAnswer, result: jr.Result, err: jr.Err}
	if jr.Result != nil {
		row.answer = jr.Result.Answer
	}
	// The GAIA test split hides answers behind "?".
	if rec.FinalAnswer != "" && rec.FinalAnswer != "?" {
		row.graded = true
		row.correct = gaia.Score(row.answer, rec.FinalAnswer)
	}
	row.suspect = row.answer == "" || gaia.LooksFailed(row.answer)
	if jr.Result != nil {
		for _, m := range jr.Result.Trace {
			row.suspect = row.suspect || m.HasBinaryToolOutput()
		}
	}
	return row
}

// batchSummary aggregates graded attempts.
type batchSummary struct {
	tasks      int
	attempts   int
	correct    int
	graded     int
	errors     int
	suspect    int
	unresolved []string
	byLevel    map[gaia.Level][2]int // correct, graded
	rows       []taskRow
}

func summarize(rows []taskRow) batchSummary {
	sum := batchSummary{byLevel: make(map[gaia.Level][2]int), rows: rows}
	answers := make(map[string][]string)
	var order []string
	for _, r := range rows {
		sum.attempts++
		if _, seen := answers[r.taskID]; !seen {
			order = append(order, r.taskID)
		}
		answers[r.taskID] = append(answers[r.taskID], r.answer)
		if r.err != nil {
			sum.errors++
		}
		if r.suspect {
			sum.suspect++
		}
		if r.graded {
			sum.graded++
			lv := sum.byLevel[r.level]
			lv[1]++
			if r.correct {
				sum.correct++
				lv[0]++
			}
			sum.byLevel[r.level] = lv
		}
	}
	sum.tasks = len(order)
	for _, id := range order {
		if len(answers[id]) < 2 {
			continue
		}
		if _, ok := gaia.Consensus(answers[id]); !ok {
			sum.unresolved = append(sum.unresolved, id)
		}
	}
	return sum
}
