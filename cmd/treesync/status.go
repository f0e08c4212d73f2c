package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/treesync/internal/config"
	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/journal"
)

func newStatusCmd() *cobra.Command {
	var rootName string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the journal of each root",
		Long: "Summarize the journal of each root: identity binding, schema, " +
			"record and conflict counts and the selective-sync list. " +
			"Reads the journals directly; stop the daemon first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			roots := a.roots
			if rootName != "" {
				r, err := a.root(rootName)
				if err != nil {
					return err
				}

				roots = []config.Root{r}
			}

			for _, r := range roots {
				if err := a.printJournal(cmd.OutOrStdout(), r); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "show only the named root")

	return cmd
}

func (a *app) printJournal(w io.Writer, r config.Root) error {
	path := a.cfg.JournalPath(r.Name)

	fmt.Fprintf(w, "%s\n", r.Name)
	fmt.Fprintf(w, "  local dir:  %s\n", r.LocalDir)
	fmt.Fprintf(w, "  remote:     %s %s (%s)\n", r.AccountID, r.RemoteFolder, r.Backend)
	fmt.Fprintf(w, "  journal:    %s\n", path)

	j, err := journal.Load(path, a.binding(r), a.clock.Now())
	if errors.Is(err, syncerr.ErrJournalNotFound) {
		fmt.Fprintf(w, "  state:      not synced yet\n")
		return nil
	}

	if err != nil {
		return fmt.Errorf("root %q: %w", r.Name, err)
	}
	defer j.Close()

	id, err := j.Identity()
	if err != nil {
		return fmt.Errorf("root %q: reading identity: %w", r.Name, err)
	}

	ok, err := j.VerifyIdentity(r.AccountID, r.RemoteFolder)
	if err != nil {
		return fmt.Errorf("root %q: verifying identity: %w", r.Name, err)
	}

	records, err := j.All()
	if err != nil {
		return fmt.Errorf("root %q: reading records: %w", r.Name, err)
	}

	exclusions, err := j.Exclusions()
	if err != nil {
		return fmt.Errorf("root %q: reading exclusions: %w", r.Name, err)
	}

	conflicts, err := j.Conflicts()
	if err != nil {
		return fmt.Errorf("root %q: reading conflicts: %w", r.Name, err)
	}

	binding := "matches"
	if !ok {
		binding = fmt.Sprintf("MISMATCH, journal bound to %s %s; run 'treesync journal rebind --root %s --yes' if this is intended",
			id.AccountID, id.FolderPath, r.Name)
	}

	fmt.Fprintf(w, "  identity:   %s\n", binding)
	fmt.Fprintf(w, "  schema:     %d\n", id.SchemaVersion)
	fmt.Fprintf(w, "  created:    %s\n", formatTime(id.CreatedAt))

	if !id.ReboundAt.IsZero() {
		fmt.Fprintf(w, "  rebound:    %s\n", formatTime(id.ReboundAt))
	}

	fmt.Fprintf(w, "  records:    %d\n", len(records))
	fmt.Fprintf(w, "  conflicts:  %d\n", len(conflicts))
	fmt.Fprintf(w, "  exclusions: %d\n", len(exclusions))

	for _, e := range exclusions {
		fmt.Fprintf(w, "    %s\n", e)
	}

	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	return t.UTC().Format(time.RFC3339)
}
