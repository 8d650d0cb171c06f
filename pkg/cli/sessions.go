package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/backup"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

func newBackupCommand(a *app) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up a database into a new artifact",
		Example: `  godbguard backup --db-type mysql --db-name shop --host db1 --username root --password secret
  godbguard backup --db-type sqlite --db-name /var/lib/app/app.db`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := flags.target()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			creds, err := flags.credentials(ctx, a, target)
			if err != nil {
				return err
			}

			job, err := mgr.Backup(ctx, backup.BackupRequest{Target: target, Credentials: creds, MaxAttempts: 1})
			if err != nil {
				if job != nil {
					fmt.Fprintf(a.out, "Backup job %s %s\n", job.ID, job.Status)
				}
				return err
			}

			art, err := mgr.Store().Get(ctx, job.ArtifactID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Backup job %s %s\n", job.ID, job.Status)
			fmt.Fprintf(a.out, "Artifact: %s\n", art.ID)
			fmt.Fprintf(a.out, "Location: %s\n", art.Location)
			fmt.Fprintf(a.out, "Size:     %s\n", humanize.Bytes(uint64(art.Size)))
			fmt.Fprintf(a.out, "SHA-256:  %s\n", art.Checksum)
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newRestoreCommand(a *app) *cobra.Command {
	var (
		flags      targetFlags
		backupFile string
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Verify an artifact and restore it into a database",
		Long: `Verify an artifact and restore it into a database.

--backup-file takes an artifact ID or a path whose base name is an artifact
ID. Either way the artifact is read from the configured store and checked
against its recorded metadata; the file at the given path is never opened.
A file copied in from elsewhere must first be placed in the store under its
ID before it can be restored.`,
		Example: `  godbguard restore --db-type postgresql --db-name shop --backup-file shop-postgresql-20260301-030000-1a2b3c4d
  godbguard restore --db-type mysql --db-name shop --backup-file /backups/mysql/shop/shop-mysql-20260301-030000-1a2b3c4d.gdba`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupFile == "" {
				return usagef("--backup-file is required")
			}
			target, err := flags.target()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			mgr, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			creds, err := flags.credentials(ctx, a, target)
			if err != nil {
				return err
			}

			job, err := mgr.Restore(ctx, backup.RestoreRequest{Target: target, Credentials: creds, ArtifactRef: backupFile})
			if job != nil {
				fmt.Fprintf(a.out, "Restore job %s %s\n", job.ID, job.Status)
			}
			if fault.Is(err, fault.ArtifactNotFound) && outsideStore(backupFile) {
				return fmt.Errorf("%w (%s exists but is not in the artifact store; only stored artifacts can be restored)", err, backupFile)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Restored %s into %s\n", job.ArtifactID, target.Key())
			return nil
		},
	}
	flags.register(cmd, true)
	cmd.Flags().StringVar(&backupFile, "backup-file", "", "artifact ID or path of the artifact file to restore")
	return cmd
}

// outsideStore reports whether ref names an existing file rather than a bare ID
func outsideStore(ref string) bool {
	if ref == artifact.IDFromRef(ref) {
		return false
	}
	_, err := os.Stat(ref)
	return err == nil
}
