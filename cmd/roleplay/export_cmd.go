package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/martinemde/roleplay/transcript"
)

func newExportCmd(a *app) *cobra.Command {
	var storePath, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write correctly answered runs as chat transcripts (JSONL)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if storePath == "" {
				storePath = a.cfg.Store.Path
			}
			if storePath == "" {
				return errors.New("export needs a store (--store or store.path)")
			}
			store, err := transcript.Open(storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			n, err := store.Export(cmd.Context(), w)
			if err != nil {
				return err
			}
			a.logger.Info("exported transcripts", "count", n, "store", storePath)
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d transcripts to %s\n", n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "SQLite file the runs were recorded in (default store.path)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write (default stdout)")
	return cmd
}
