package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/scheduler"
)

func newScheduleCommand(a *app) *cobra.Command {
	var (
		flags     targetFlags
		cronExpr  string
		name      string
		retention int
		disabled  bool
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Register a recurring backup",
		Long: `Register a recurring backup. The definition is stored in the job ledger
and picked up by a running "godbguard serve" on its next tick.`,
		Example: `  godbguard schedule --db-type mysql --db-name shop --cron "0 3 * * *" --retention 7 --credential-ref prod`,
		Args:    usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cronExpr == "" {
				return usagef("--cron is required")
			}
			target, err := flags.target()
			if err != nil {
				return err
			}
			if name == "" {
				name = fmt.Sprintf("%s-%s", target.Engine, target.Database)
			}
			def := &ledger.ScheduleDefinition{
				Name:      name,
				Target:    target,
				Cron:      cronExpr,
				Retention: retention,
				Enabled:   !disabled,
			}
			if err := scheduler.Validate(def); err != nil {
				return err
			}

			ctx := cmd.Context()
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			if existing, err := l.GetSchedule(ctx, name); err == nil {
				def.ID = existing.ID
				def.CreatedAt = existing.CreatedAt
				def.LastEvaluatedAt = existing.LastEvaluatedAt
			}
			if err := l.SaveSchedule(ctx, def); err != nil {
				return err
			}

			next, _ := scheduler.NextFire(def.Cron, time.Now())
			fmt.Fprintf(a.out, "Schedule %s (%s) registered for %s\n", def.Name, def.ID, target.Key())
			fmt.Fprintf(a.out, "Next run: %s\n", next.Format(time.RFC3339))
			return nil
		},
	}
	flags.register(cmd, false)
	cmd.Flags().StringVar(&cronExpr, "cron", "", "five-field cron expression")
	cmd.Flags().StringVar(&name, "name", "", "schedule name (defaults to <engine>-<database>)")
	cmd.Flags().IntVar(&retention, "retention", 0, "number of artifacts to keep (0 keeps all)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register the schedule without enabling it")

	cmd.AddCommand(newScheduleListCommand(a), newScheduleRemoveCommand(a))
	return cmd
}

func newScheduleListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered schedules",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			defs, err := l.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				fmt.Fprintln(a.out, "No schedules registered.")
				return nil
			}

			now := time.Now()
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tID\tTARGET\tCRON\tRETENTION\tENABLED\tLAST RUN\tNEXT RUN")
			for _, d := range defs {
				last := "never"
				if d.LastEvaluatedAt != nil {
					last = humanize.Time(*d.LastEvaluatedAt)
				}
				next := "-"
				if d.Enabled {
					if t, err := scheduler.NextFire(d.Cron, now); err == nil {
						next = t.Format(time.RFC3339)
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
					d.Name, d.ID, d.Target.Key(), d.Cron, d.Retention, d.Enabled, last, next)
			}
			return tw.Flush()
		},
	}
}

func newScheduleRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID|NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a schedule",
		Args:    usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			def, err := l.GetSchedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := l.DeleteSchedule(cmd.Context(), def.ID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Schedule %s removed\n", def.Name)
			return nil
		},
	}
}
