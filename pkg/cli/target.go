package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/supporttools/GoDBGuard/pkg/database/common"
)

// targetFlags are the connection flags shared by backup, restore and schedule
type targetFlags struct {
	dbType        string
	dbName        string
	host          string
	port          int
	username      string
	password      string
	credentialRef string
}

func (f *targetFlags) register(cmd *cobra.Command, withSecrets bool) {
	cmd.Flags().StringVar(&f.dbType, "db-type", "", "database engine: mysql, postgresql, mongodb or sqlite")
	cmd.Flags().StringVar(&f.dbName, "db-name", "", "database name, or the database file for sqlite")
	cmd.Flags().StringVar(&f.host, "host", "localhost", "database host")
	cmd.Flags().IntVar(&f.port, "port", 0, "database port (engine default when 0)")
	cmd.Flags().StringVar(&f.credentialRef, "credential-ref", "", "named credentials from the configuration")
	if withSecrets {
		cmd.Flags().StringVar(&f.username, "username", "", "database user, overrides --credential-ref")
		cmd.Flags().StringVar(&f.password, "password", "", "database password")
	}
}

// target validates the flags and builds the target they describe
func (f *targetFlags) target() (common.DatabaseTarget, error) {
	if f.dbType == "" {
		return common.DatabaseTarget{}, usagef("--db-type is required")
	}
	if f.dbName == "" {
		return common.DatabaseTarget{}, usagef("--db-name is required")
	}
	engine, err := common.ParseEngineKind(f.dbType)
	if err != nil {
		return common.DatabaseTarget{}, err
	}
	t := common.DatabaseTarget{
		Engine:        engine,
		Host:          f.host,
		Port:          f.port,
		Database:      f.dbName,
		CredentialRef: f.credentialRef,
	}
	if err := t.Validate(); err != nil {
		return common.DatabaseTarget{}, usagef("%v", err)
	}
	return t, nil
}

// credentials prefers explicit flags over configured credentials
func (f *targetFlags) credentials(ctx context.Context, a *app, t common.DatabaseTarget) (common.Credentials, error) {
	if f.username != "" || f.password != "" {
		return common.Credentials{Username: f.username, Password: f.password}, nil
	}
	return a.cfg.Credentials.Resolve(ctx, t.CredentialRef)
}
