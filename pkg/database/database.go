// Package database wires the engine drivers into a registry
package database

import (
	"github.com/supporttools/GoDBGuard/pkg/config"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/database/providers/mongodb"
	"github.com/supporttools/GoDBGuard/pkg/database/providers/mysql"
	"github.com/supporttools/GoDBGuard/pkg/database/providers/postgresql"
	"github.com/supporttools/GoDBGuard/pkg/database/providers/sqlite"
)

// NewRegistry returns a registry holding every supported engine driver,
// configured from cfg
func NewRegistry(cfg config.DriverConfig) *common.Registry {
	my := mysql.NewProvider()
	pg := postgresql.NewProvider()
	if cfg.ConnectTimeout > 0 {
		my.ConnectTimeout = cfg.ConnectTimeout
		pg.ConnectTimeout = cfg.ConnectTimeout
	}
	my.DumpOptions = cfg.MySQLDumpOptions
	pg.DumpOptions = cfg.PostgresDumpOptions
	if cfg.PostgresSSLMode != "" {
		pg.SSLMode = cfg.PostgresSSLMode
	}

	mongo := mongodb.NewProvider()
	if cfg.MongoAuthDatabase != "" {
		mongo.AuthDatabase = cfg.MongoAuthDatabase
	}

	return common.NewRegistry(my, pg, mongo, sqlite.NewProvider())
}
