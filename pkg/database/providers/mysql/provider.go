// Package mysql provides the MySQL backup driver
package mysql

import (
	"context"
	"database/sql"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// Provider drives mysqldump and the mysql client
type Provider struct {
	// Command builds the external process; exec.Command by default
	Command common.CommandFunc
	// Ping checks connectivity and credentials before any process is started
	Ping func(ctx context.Context, target common.DatabaseTarget, creds common.Credentials) error
	// ConnectTimeout bounds the ping dial
	ConnectTimeout time.Duration
	// DumpOptions are extra mysqldump flags placed before the database name
	DumpOptions []string
}

// NewProvider returns a provider wired to the real client binaries
func NewProvider() *Provider {
	p := &Provider{
		Command:        exec.Command,
		ConnectTimeout: 10 * time.Second,
	}
	p.Ping = p.ping
	return p
}

// Engine returns the engine this driver serves
func (p *Provider) Engine() common.EngineKind {
	return common.EngineMySQL
}

// Backup streams mysqldump output for target into sink
func (p *Provider) Backup(ctx context.Context, target common.DatabaseTarget, creds common.Credentials, sink io.Writer) (common.BackupReport, error) {
	if err := p.Ping(ctx, target, creds); err != nil {
		return common.BackupReport{}, err
	}

	hw := common.NewHashingWriter(sink)
	cmd := p.Command("mysqldump", dumpArgs(target, creds, p.DumpOptions)...)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+creds.Password)

	if err := common.RunCommand(ctx, cmd, nil, hw); err != nil {
		return common.BackupReport{}, classify("mysqldump", errors.Wrapf(err, "dump of %s failed", target.Database))
	}
	return hw.Report(), nil
}

// Restore feeds source into the mysql client connected to target
func (p *Provider) Restore(ctx context.Context, target common.DatabaseTarget, creds common.Credentials, source io.Reader) error {
	if err := p.Ping(ctx, target, creds); err != nil {
		return err
	}

	cmd := p.Command("mysql", restoreArgs(target, creds)...)
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+creds.Password)

	if err := common.RunCommand(ctx, cmd, source, io.Discard); err != nil {
		return classify("mysql restore", errors.Wrapf(err, "restore into %s failed", target.Database))
	}
	return nil
}

func connectionArgs(target common.DatabaseTarget, creds common.Credentials) []string {
	args := []string{
		"-h", target.EffectiveHost(),
		"-P", strconv.Itoa(target.EffectivePort()),
		"--protocol=TCP",
	}
	if creds.Username != "" {
		args = append(args, "-u", creds.Username)
	}
	return args
}

// dumpArgs builds the mysqldump arguments. The password travels in MYSQL_PWD.
func dumpArgs(target common.DatabaseTarget, creds common.Credentials, extra []string) []string {
	args := connectionArgs(target, creds)
	args = append(args,
		"--single-transaction",
		"--quick",
		"--triggers",
		"--routines",
		"--events",
		"--set-gtid-purged=OFF",
	)
	args = append(args, extra...)
	return append(args, target.Database)
}

func restoreArgs(target common.DatabaseTarget, creds common.Credentials) []string {
	args := connectionArgs(target, creds)
	return append(args, target.Database)
}

func (p *Provider) ping(ctx context.Context, target common.DatabaseTarget, creds common.Credentials) error {
	cfg := mysql.NewConfig()
	cfg.User = creds.Username
	cfg.Passwd = creds.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(target.EffectiveHost(), strconv.Itoa(target.EffectivePort()))
	cfg.DBName = target.Database
	cfg.Timeout = p.ConnectTimeout

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return fault.Wrap(fault.Internal, "mysql ping", errors.Wrap(err, "invalid connection settings"))
	}

	db := sql.OpenDB(connector)
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return classify("mysql ping", errors.Wrapf(err, "failed to ping MySQL server at %s", cfg.Addr))
	}
	return nil
}

// classify maps driver and client errors onto fault kinds
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.CancelledByOperator, op, err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1698:
			return fault.Wrap(fault.AuthenticationFailure, op, err)
		case 1040, 1152, 1153, 1205, 1213:
			return fault.Wrap(fault.ConnectionFailure, op, err)
		default:
			return fault.Wrap(fault.Internal, op, err)
		}
	}

	var cmdErr *common.CommandError
	if errors.As(err, &cmdErr) {
		stderr := cmdErr.Stderr
		switch {
		case strings.Contains(stderr, "Access denied"):
			return fault.Wrap(fault.AuthenticationFailure, op, err)
		case strings.Contains(stderr, "Can't connect"),
			strings.Contains(stderr, "Lost connection"),
			strings.Contains(stderr, "Unknown MySQL server host"),
			strings.Contains(stderr, "server has gone away"):
			return fault.Wrap(fault.ConnectionFailure, op, err)
		default:
			return fault.Wrap(fault.Internal, op, err)
		}
	}

	// network errors, mysql.ErrInvalidConn and driver.ErrBadConn all land here
	return fault.Wrap(fault.ConnectionFailure, op, err)
}
