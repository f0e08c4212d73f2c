package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/journal"
)

var errNeedsConfirmation = errors.New("refusing to change the journal without --yes")

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and repair sync journals",
	}

	cmd.AddCommand(newRebindCmd())

	return cmd
}

func newRebindCmd() *cobra.Command {
	var (
		rootName string
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "rebind",
		Short: "Bind a journal to the account and folder its root is now configured with",
		Long: "Rewrite the identity token of a root's journal so runs are no longer blocked " +
			"by an identity mismatch. Only do this when the root was deliberately moved to " +
			"another account or remote folder: the journal's records are then trusted " +
			"against the new remote.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			r, err := a.root(rootName)
			if err != nil {
				return err
			}

			path := a.cfg.JournalPath(r.Name)
			out := cmd.OutOrStdout()

			j, err := journal.Load(path, a.binding(r), a.clock.Now())
			if errors.Is(err, syncerr.ErrJournalNotFound) {
				return fmt.Errorf("root %q has no journal yet, nothing to rebind", r.Name)
			}

			if err != nil {
				return err
			}

			id, err := j.Identity()
			j.Close()

			if err != nil {
				return fmt.Errorf("reading identity: %w", err)
			}

			fmt.Fprintf(out, "journal %s\n", path)
			fmt.Fprintf(out, "  bound to: %s %s\n", id.AccountID, id.FolderPath)
			fmt.Fprintf(out, "  new:      %s %s\n", r.AccountID, r.RemoteFolder)

			if !yes {
				return errNeedsConfirmation
			}

			if err := journal.Rebind(path, a.binding(r), a.clock.Now()); err != nil {
				return fmt.Errorf("rebinding journal: %w", err)
			}

			fmt.Fprintln(out, "rebound")

			return nil
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "root whose journal to rebind")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the rebind")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}
