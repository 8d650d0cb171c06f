// Package postgresql provides the PostgreSQL backup driver
package postgresql

import (
	"context"
	"database/sql"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// Provider drives pg_dump and psql
type Provider struct {
	Command common.CommandFunc
	Ping    func(ctx context.Context, target common.DatabaseTarget, creds common.Credentials) error
	// SSLMode is passed to lib/pq and to the client tools as PGSSLMODE
	SSLMode        string
	ConnectTimeout time.Duration
	// DumpOptions are extra pg_dump flags
	DumpOptions []string
}

// NewProvider returns a provider wired to the real client binaries
func NewProvider() *Provider {
	p := &Provider{
		Command:        exec.Command,
		SSLMode:        "disable",
		ConnectTimeout: 10 * time.Second,
	}
	p.Ping = p.ping
	return p
}

// Engine returns the engine this driver serves
func (p *Provider) Engine() common.EngineKind {
	return common.EnginePostgreSQL
}

// Backup streams a plain-format pg_dump of target into sink
func (p *Provider) Backup(ctx context.Context, target common.DatabaseTarget, creds common.Credentials, sink io.Writer) (common.BackupReport, error) {
	if err := p.Ping(ctx, target, creds); err != nil {
		return common.BackupReport{}, err
	}

	hw := common.NewHashingWriter(sink)
	cmd := p.Command("pg_dump", dumpArgs(target, creds, p.DumpOptions)...)
	cmd.Env = p.env(creds)

	if err := common.RunCommand(ctx, cmd, nil, hw); err != nil {
		return common.BackupReport{}, classify("pg_dump", errors.Wrapf(err, "dump of %s failed", target.Database))
	}
	return hw.Report(), nil
}

// Restore replays source through psql, stopping at the first error
func (p *Provider) Restore(ctx context.Context, target common.DatabaseTarget, creds common.Credentials, source io.Reader) error {
	if err := p.Ping(ctx, target, creds); err != nil {
		return err
	}

	cmd := p.Command("psql", restoreArgs(target, creds)...)
	cmd.Env = p.env(creds)

	if err := common.RunCommand(ctx, cmd, source, io.Discard); err != nil {
		return classify("psql restore", errors.Wrapf(err, "restore into %s failed", target.Database))
	}
	return nil
}

func (p *Provider) env(creds common.Credentials) []string {
	env := append(os.Environ(), "PGPASSWORD="+creds.Password)
	if p.SSLMode != "" {
		env = append(env, "PGSSLMODE="+p.SSLMode)
	}
	return env
}

func connectionArgs(target common.DatabaseTarget, creds common.Credentials) []string {
	args := []string{
		"-h", target.EffectiveHost(),
		"-p", strconv.Itoa(target.EffectivePort()),
		"--no-password",
	}
	if creds.Username != "" {
		args = append(args, "-U", creds.Username)
	}
	return args
}

func dumpArgs(target common.DatabaseTarget, creds common.Credentials, extra []string) []string {
	args := connectionArgs(target, creds)
	args = append(args,
		"--format=plain",
		"--no-owner",
		"--no-privileges",
		"--clean",
		"--if-exists",
	)
	args = append(args, extra...)
	return append(args, "--dbname", target.Database)
}

func restoreArgs(target common.DatabaseTarget, creds common.Credentials) []string {
	args := connectionArgs(target, creds)
	return append(args,
		"--quiet",
		"-v", "ON_ERROR_STOP=1",
		"--single-transaction",
		"--dbname", target.Database,
	)
}

// dsn builds a lib/pq URL for target
func (p *Provider) dsn(target common.DatabaseTarget, creds common.Credentials) string {
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	if p.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(p.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(target.EffectiveHost(), strconv.Itoa(target.EffectivePort())),
		Path:     "/" + target.Database,
		RawQuery: q.Encode(),
	}
	if creds.Username != "" {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}
	return u.String()
}

func (p *Provider) ping(ctx context.Context, target common.DatabaseTarget, creds common.Credentials) error {
	db, err := sql.Open("postgres", p.dsn(target, creds))
	if err != nil {
		return fault.Wrap(fault.Internal, "postgres ping", errors.Wrap(err, "invalid connection settings"))
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return classify("postgres ping", errors.Wrapf(err, "failed to ping PostgreSQL server at %s:%d",
			target.EffectiveHost(), target.EffectivePort()))
	}
	return nil
}

// classify maps lib/pq and client errors onto fault kinds
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.CancelledByOperator, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "28P01" || pqErr.Code == "28000":
			return fault.Wrap(fault.AuthenticationFailure, op, err)
		case pqErr.Code.Class() == "08", pqErr.Code == "57P03", pqErr.Code == "53300":
			return fault.Wrap(fault.ConnectionFailure, op, err)
		default:
			return fault.Wrap(fault.Internal, op, err)
		}
	}

	var cmdErr *common.CommandError
	if errors.As(err, &cmdErr) {
		stderr := cmdErr.Stderr
		switch {
		case strings.Contains(stderr, "password authentication failed"),
			strings.Contains(stderr, "no password supplied"),
			strings.Contains(stderr, "role") && strings.Contains(stderr, "does not exist"):
			return fault.Wrap(fault.AuthenticationFailure, op, err)
		case strings.Contains(stderr, "could not connect"),
			strings.Contains(stderr, "Connection refused"),
			strings.Contains(stderr, "server closed the connection"),
			strings.Contains(stderr, "could not translate host name"):
			return fault.Wrap(fault.ConnectionFailure, op, err)
		default:
			return fault.Wrap(fault.Internal, op, err)
		}
	}

	return fault.Wrap(fault.ConnectionFailure, op, err)
}
