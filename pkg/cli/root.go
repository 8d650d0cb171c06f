// Package cli implements the godbguard command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/supporttools/GoDBGuard/pkg/backup"
	"github.com/supporttools/GoDBGuard/pkg/config"
	"github.com/supporttools/GoDBGuard/pkg/database"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/ledger"
	"github.com/supporttools/GoDBGuard/pkg/lock"
	"github.com/supporttools/GoDBGuard/pkg/logging"
	"github.com/supporttools/GoDBGuard/pkg/storage"
	"github.com/supporttools/GoDBGuard/pkg/storage/local"
	"github.com/supporttools/GoDBGuard/pkg/storage/s3"
)

// Exit codes
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitUsage      = 2
	ExitTargetBusy = 3
	ExitAuth       = 4
	ExitCorrupt    = 5
	ExitNotFound   = 6
)

// usageError marks bad invocations
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return ExitUsage
	}
	switch fault.KindOf(err) {
	case fault.TargetBusy:
		return ExitTargetBusy
	case fault.AuthenticationFailure:
		return ExitAuth
	case fault.CorruptArtifact, fault.IntegrityMismatch:
		return ExitCorrupt
	case fault.ArtifactNotFound, fault.ArtifactNotFinalized:
		return ExitNotFound
	}
	return ExitFailure
}

// app holds what commands share once configuration is loaded. Heavy
// dependencies are opened on first use so that `version` needs nothing.
type app struct {
	configFile string
	debug      bool
	out        io.Writer

	cfg    *config.AppConfig
	logger *logrus.Logger
	closer io.Closer

	ledger  ledger.Ledger
	store   storage.ArtifactStore
	manager *backup.Manager
}

func (a *app) component(name string) *logrus.Entry {
	return logging.Component(a.logger, name)
}

// load reads configuration and builds the logger
func (a *app) load() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	logger, closer, err := logging.New(cfg.Log, cfg.Debug)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.closer = cfg, logger, closer
	return nil
}

// openStore selects S3 when it is enabled and local storage otherwise
func (a *app) openStore(ctx context.Context) (storage.ArtifactStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	var err error
	if a.cfg.S3.Enabled {
		a.store, err = s3.NewStore(ctx, a.cfg.S3, a.component("storage"))
	} else {
		a.store, err = local.NewStore(a.cfg.Local.BackupDirectory, a.component("storage"))
	}
	return a.store, err
}

func (a *app) openLedger() (ledger.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	l, err := ledger.Open(a.cfg, a.component("ledger"))
	if err != nil {
		return nil, fmt.Errorf("failed to open job ledger: %w", err)
	}
	a.ledger = l
	return l, nil
}

// openManager wires the registry, store, ledger and lock table together
func (a *app) openManager(ctx context.Context) (*backup.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	l, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	locks, err := lock.NewSharedTable(a.cfg.Ledger.LockDir)
	if err != nil {
		return nil, err
	}
	a.manager = backup.NewManager(database.NewRegistry(a.cfg.Drivers), store, l, locks, backup.Options{
		Compression: a.cfg.Artifact.Compression,
		OrphanGrace: a.cfg.Scheduler.OrphanGrace,
	}, a.component("sessions"))
	return a.manager, nil
}

func (a *app) close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil && a.logger != nil {
			a.logger.Warnf("Error closing job ledger: %v", err)
		}
	}
	if a.closer != nil {
		a.closer.Close()
	}
}

// newRootCommand builds the command tree around a
func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "godbguard",
		Short:         "Back up, restore and schedule backups of MySQL, PostgreSQL, MongoDB and SQLite databases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	root.PersistentFlags().StringVar(&a.configFile, "config", os.Getenv("CONFIG_FILE"), "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		newBackupCommand(a),
		newRestoreCommand(a),
		newScheduleCommand(a),
		newServeCommand(a),
		newJobsCommand(a),
		newArtifactsCommand(a),
		newVersionCommand(a),
	)
	return root
}

// Execute runs the command line and returns the exit code. SIGINT and
// SIGTERM cancel the running command.
func Execute(args []string, out, errOut io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{out: out}
	defer a.close()

	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetErr(errOut)
	err := root.ExecuteContext(ctx)
	if err != nil {
		if kind := fault.KindOf(err); kind != fault.Internal {
			fmt.Fprintf(errOut, "Error [%s]: %v\n", kind, err)
		} else {
			fmt.Fprintf(errOut, "Error: %v\n", err)
		}
	}
	return ExitCode(err)
}

// usageArgs marks positional argument errors as usage errors
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}
