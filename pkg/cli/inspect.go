package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/version"
)

func newJobsCommand(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List backup and restore jobs, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ledger.JobFilter{Limit: limit}
			if status != "" {
				st, err := ledger.ParseStatus(status)
				if err != nil {
					return &usageError{err: err}
				}
				filter.Status = st
			}
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			jobs, err := l.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(a.out, "No jobs found.")
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSTATUS\tATTEMPT\tCREATED\tARTIFACT\tERROR")
			for _, j := range jobs {
				errText := string(j.ErrorKind)
				if j.Status == ledger.StatusRetrying && j.NextAttemptAt != nil {
					errText = fmt.Sprintf("%s, next attempt %s", j.ErrorKind, humanize.Time(*j.NextAttemptAt))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
					j.ID, j.Kind, j.Target.Key(), j.Status, j.Attempt, j.MaxAttempts,
					humanize.Time(j.CreatedAt), j.ArtifactID, errText)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to show (0 for all)")
	return cmd
}

func newArtifactsCommand(a *app) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List stored artifacts, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if flags.dbType != "" || flags.dbName != "" {
				target, err := flags.target()
				if err != nil {
					return err
				}
				key = target.Key()
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			list, err := store.List(cmd.Context(), key)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(a.out, "No artifacts found.")
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTARGET\tSIZE\tCOMPRESSION\tCREATED\tFINALIZED")
			for _, art := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
					art.ID, art.TargetKey, humanize.Bytes(uint64(art.Size)), art.Compression,
					humanize.Time(art.CreatedAt), art.Finalized)
			}
			return tw.Flush()
		},
	}
	flags.register(cmd, false)
	cmd.AddCommand(newVerifyCommand(a))
	return cmd
}

func newVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify ID",
		Short: "Read an artifact end to end and check its checksums",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			art, err := mgr.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Artifact %s is intact (%s, sha256 %s)\n",
				art.ID, humanize.Bytes(uint64(art.Size)), art.Checksum)
			return nil
		},
	}
}

func newVersionCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if asJSON {
				return json.NewEncoder(a.out).Encode(info)
			}
			fmt.Fprintln(a.out, info.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
