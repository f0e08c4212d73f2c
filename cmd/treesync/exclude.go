package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/treesync/internal/engine"
	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/journal"
)

func newExcludeCmd() *cobra.Command {
	var (
		rootName string
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "exclude --root name [paths...]",
		Short: "Show or replace the selective-sync list of a root",
		Long: "Without paths, print the folders excluded from sync. With paths, replace " +
			"the list; newly excluded folders are removed locally on the next run and " +
			"kept on the server. Use --clear to sync everything again. The daemon must " +
			"not be running; use the sync_set_exclusions control tool instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			r, err := a.root(rootName)
			if err != nil {
				return err
			}

			update := clearAll || len(args) > 0
			if clearAll && len(args) > 0 {
				return errors.New("--clear takes no paths")
			}

			paths, err := engine.NormalizeExclusions(args)
			if err != nil {
				return err
			}

			path := a.cfg.JournalPath(r.Name)
			b := a.binding(r)
			now := a.clock.Now()

			j, err := journal.Load(path, b, now)
			if errors.Is(err, syncerr.ErrJournalNotFound) {
				if !update {
					paths, err = engine.NormalizeExclusions(r.Exclude)
					if err != nil {
						return err
					}

					printExclusions(cmd, paths)

					return nil
				}

				j, err = journal.Create(path, b, now)
			}

			if err != nil {
				return err
			}
			defer j.Close()

			ok, err := j.VerifyIdentity(r.AccountID, r.RemoteFolder)
			if err != nil {
				return err
			}

			if !ok {
				return syncerr.IdentityMismatch(fmt.Errorf("journal %s belongs to another account or folder: %w", path, syncerr.ErrFolderSharing))
			}

			if update {
				if err := j.SetExclusions(paths); err != nil {
					return err
				}
			}

			current, err := j.Exclusions()
			if err != nil {
				return err
			}

			printExclusions(cmd, current)

			return nil
		},
	}

	cmd.Flags().StringVar(&rootName, "root", "", "root whose exclusions to show or change")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "remove every exclusion")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}

func printExclusions(cmd *cobra.Command, paths []string) {
	out := cmd.OutOrStdout()
	if len(paths) == 0 {
		fmt.Fprintln(out, "no exclusions, everything is synced")
		return
	}

	for _, p := range paths {
		fmt.Fprintln(out, p)
	}
}
