// Package common provides shared types and interfaces for database operations
package common

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// EngineKind identifies a database engine
type EngineKind string

const (
	EngineMySQL      EngineKind = "mysql"
	EnginePostgreSQL EngineKind = "postgresql"
	EngineMongoDB    EngineKind = "mongodb"
	EngineSQLite     EngineKind = "sqlite"
)

// DefaultPort returns the engine's default port, or 0 for file-based engines
func (k EngineKind) DefaultPort() int {
	switch k {
	case EngineMySQL:
		return 3306
	case EnginePostgreSQL:
		return 5432
	case EngineMongoDB:
		return 27017
	default:
		return 0
	}
}

// ParseEngineKind converts a user-supplied engine name into an EngineKind
func ParseEngineKind(s string) (EngineKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql", "mariadb":
		return EngineMySQL, nil
	case "postgresql", "postgres", "pg":
		return EnginePostgreSQL, nil
	case "mongodb", "mongo":
		return EngineMongoDB, nil
	case "sqlite", "sqlite3":
		return EngineSQLite, nil
	}
	return "", fault.New(fault.UnsupportedEngine, "parse engine", "unknown database type %q", s)
}

// DatabaseTarget identifies what to back up or restore into
type DatabaseTarget struct {
	Engine   EngineKind `json:"engine" yaml:"engine"`
	Host     string     `json:"host,omitempty" yaml:"host"`
	Port     int        `json:"port,omitempty" yaml:"port"`
	Database string     `json:"database" yaml:"database"`
	// CredentialRef names the credentials to resolve when the target is used
	CredentialRef string `json:"credentialRef,omitempty" yaml:"credentialRef"`
}

// EffectivePort returns the configured port or the engine default
func (t DatabaseTarget) EffectivePort() int {
	if t.Port > 0 {
		return t.Port
	}
	return t.Engine.DefaultPort()
}

// EffectiveHost returns the configured host or localhost
func (t DatabaseTarget) EffectiveHost() string {
	if t.Host == "" {
		return "localhost"
	}
	return t.Host
}

// Key is the mutual exclusion identity of the target
func (t DatabaseTarget) Key() string {
	if t.Engine == EngineSQLite {
		return fmt.Sprintf("%s://%s", t.Engine, t.Database)
	}
	return fmt.Sprintf("%s://%s:%d/%s", t.Engine, t.EffectiveHost(), t.EffectivePort(), t.Database)
}

func (t DatabaseTarget) String() string {
	return t.Key()
}

// Validate checks the target has the fields its engine needs
func (t DatabaseTarget) Validate() error {
	if _, err := ParseEngineKind(string(t.Engine)); err != nil {
		return err
	}
	if t.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid port: %d", t.Port)
	}
	return nil
}

// Credentials are already-resolved connection secrets
type Credentials struct {
	Username string `json:"-" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}

// BackupReport is what a driver knows about the stream it produced.
// An empty Checksum means the driver does not report one.
type BackupReport struct {
	Checksum string
	Size     int64
}

// Driver is the engine-specific backup and restore capability
type Driver interface {
	// Engine returns the engine this driver serves
	Engine() EngineKind

	// Backup streams a dump of target into sink
	Backup(ctx context.Context, target DatabaseTarget, creds Credentials, sink io.Writer) (BackupReport, error)

	// Restore replays source into target
	Restore(ctx context.Context, target DatabaseTarget, creds Credentials, source io.Reader) error
}
