package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoDBGuard/pkg/adminserver"
	"github.com/supporttools/GoDBGuard/pkg/config"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/scheduler"
	"github.com/supporttools/GoDBGuard/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the admin server until interrupted",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			log := a.component("serve")
			log.Infof("Starting GoDBGuard %s", version.Version)
			a.cfg.DisplayConfiguration(a.component("config"))

			sched := scheduler.New(mgr, mgr.Ledger(), a.cfg.Credentials, clock.WallClock,
				scheduler.OptionsFromConfig(a.cfg.Scheduler), a.component("scheduler"))
			if err := seedSchedules(ctx, sched, mgr.Ledger(), a.cfg.Schedules); err != nil {
				return err
			}

			srv := adminserver.NewServer(mgr.Ledger(), mgr.Store(), sched, a.cfg.Admin.Port,
				a.cfg.S3.PresignExpiry, a.component("admin"))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return sched.Run(gctx)
			})
			g.Go(func() error {
				return srv.ListenAndServe()
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info("Shutting down...")
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return errors.Join(srv.Stop(sctx), sched.Shutdown(sctx))
			})

			log.Info("GoDBGuard is running. Press Ctrl+C to exit.")
			return g.Wait()
		},
	}
}

// seedSchedules registers the schedules from the configuration file. A
// definition already in the ledger keeps its ID and evaluation history.
func seedSchedules(ctx context.Context, sched *scheduler.Scheduler, l ledger.Ledger, seeds []config.ScheduleConfig) error {
	for _, sc := range seeds {
		def := &ledger.ScheduleDefinition{
			Name:      sc.Name,
			Target:    sc.Target,
			Cron:      sc.Cron,
			Retention: sc.Retention,
			Enabled:   sc.IsEnabled(),
		}
		existing, err := l.GetSchedule(ctx, sc.Name)
		switch {
		case err == nil:
			def.ID = existing.ID
			def.CreatedAt = existing.CreatedAt
			def.LastEvaluatedAt = existing.LastEvaluatedAt
		case !errors.Is(err, ledger.ErrNotFound):
			return fmt.Errorf("failed to look up schedule %s: %w", sc.Name, err)
		}
		if err := sched.Register(ctx, def); err != nil {
			return fmt.Errorf("failed to register schedule %s: %w", sc.Name, err)
		}
	}
	return nil
}
