package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/martinemde/roleplay/runner"
	"github.com/martinemde/roleplay/society"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		maxRounds int
		files     []string
		showTrace bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run <question>",
		Short: "Solve one question with a user and an assistant agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if maxRounds > 0 {
				cfg.Runner.MaxRounds = maxRounds
			}
			pair, err := newAgentPair(cfg, a.logger)
			if err != nil {
				return err
			}
			defer pair.Close()

			task := society.TaskContext{Prompt: strings.Join(args, " ")}
			for _, f := range files {
				task.Files = append(task.Files, society.FileRef{Name: f, Path: f})
			}

			events := society.NewEventEmitter(uuid.NewString(), 0)
			drained := make(chan struct{})
			go func() {
				defer close(drained)
				runner.LogEvents(context.Background(), events.Events(), a.logger)
			}()

			s, err := society.New(task, pair.user, pair.assistant, societyOptions(cfg, events)...)
			if err != nil {
				events.Close()
				<-drained
				return err
			}
			rcfg := runnerConfig(cfg, a.logger, newLimiter(cfg.RateLimit))
			rcfg.Events = events
			res, runErr := runner.Run(cmd.Context(), s, rcfg)
			events.Close()
			<-drained

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
				return runErr
			}
			if showTrace {
				renderTrace(out, res.Trace)
			}
			renderResult(out, res, runErr)
			return runErr
		},
	}
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "Override runner.max_rounds")
	cmd.Flags().StringSliceVar(&files, "file", nil, "Attach a file to the task (repeatable)")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "Print the full conversation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}
