package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/treesync/internal/engine"
	"github.com/alexjbarnes/treesync/internal/events"
)

func newOnceCmd() *cobra.Command {
	var (
		rootName string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one sync pass and print the reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			roots, _, err := a.buildRoots(ctx, rootName, events.LogSink{Logger: a.logger})
			if err != nil {
				return err
			}

			m := engine.NewManager(roots, engine.ManagerConfig{RootConcurrency: a.cfg.RootConcurrency}, a.clock, a.logger)
			results := m.SyncAll(ctx)

			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					printResult(cmd.OutOrStdout(), res)
				}
			}

			failed := 0

			for _, res := range results {
				if res.Err != nil {
					failed++
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d roots failed", failed, len(results))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "sync only the named root")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run reports as JSON")

	return cmd
}

type jsonResult struct {
	Root   string         `json:"root"`
	Report *engine.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func writeJSON(w io.Writer, results []engine.Result) error {
	out := make([]jsonResult, 0, len(results))
	for _, res := range results {
		jr := jsonResult{Root: res.Root, Report: res.Report}
		if res.Err != nil {
			jr.Error = res.Err.Error()
		}

		out = append(out, jr)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printResult(w io.Writer, res engine.Result) {
	if res.Report == nil {
		fmt.Fprintf(w, "%s: not run: %v\n", res.Root, res.Err)
		return
	}

	r := res.Report
	fmt.Fprintf(w, "%s: %s in %s, planned %d%s, succeeded %d, failed %d, skipped %d\n",
		res.Root, r.State, r.Duration.Round(time.Millisecond), r.Instructions(), plannedDetail(r.Planned),
		r.Succeeded, r.Failed, r.Skipped)

	for _, f := range r.Failures {
		fmt.Fprintf(w, "  failed %s %s: %s\n", f.Kind, f.Path, f.Error)
	}

	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  conflict %s: local version kept as %s\n", c.Path, c.ConflictPath)
	}

	if res.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", res.Err)
	}
}

func plannedDetail(planned map[string]int) string {
	if len(planned) == 0 {
		return ""
	}

	kinds := make([]string, 0, len(planned))
	for k := range planned {
		kinds = append(kinds, k)
	}

	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s %d", k, planned[k]))
	}

	return " (" + strings.Join(parts, ", ") + ")"
}
