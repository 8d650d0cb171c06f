// Package mongodb provides the MongoDB backup driver built on mongodump and mongorestore
package mongodb

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// Provider drives the MongoDB database tools in archive mode
type Provider struct {
	Command common.CommandFunc
	// AuthDatabase is the authSource used when credentials are present
	AuthDatabase string
}

// NewProvider returns a provider wired to the real tools
func NewProvider() *Provider {
	return &Provider{
		Command:      exec.Command,
		AuthDatabase: "admin",
	}
}

// Engine returns the engine this driver serves
func (p *Provider) Engine() common.EngineKind {
	return common.EngineMongoDB
}

// Backup streams a mongodump archive of target into sink
func (p *Provider) Backup(ctx context.Context, target common.DatabaseTarget, creds common.Credentials, sink io.Writer) (common.BackupReport, error) {
	auth, cleanup, err := p.authArgs(creds)
	if err != nil {
		return common.BackupReport{}, err
	}
	defer cleanup()

	hw := common.NewHashingWriter(sink)
	args := append([]string{"--uri=" + p.uri(target)}, auth...)
	cmd := p.Command("mongodump", append(args,
		"--db="+target.Database,
		"--archive",
	)...)

	if err := common.RunCommand(ctx, cmd, nil, hw); err != nil {
		return common.BackupReport{}, classify("mongodump", errors.Wrapf(err, "dump of %s failed", target.Database))
	}
	return hw.Report(), nil
}

// Restore replays a mongodump archive into target, dropping collections first
func (p *Provider) Restore(ctx context.Context, target common.DatabaseTarget, creds common.Credentials, source io.Reader) error {
	auth, cleanup, err := p.authArgs(creds)
	if err != nil {
		return err
	}
	defer cleanup()

	args := append([]string{"--uri=" + p.uri(target)}, auth...)
	cmd := p.Command("mongorestore", append(args,
		"--archive",
		"--drop",
		"--nsInclude="+target.Database+".*",
	)...)

	if err := common.RunCommand(ctx, cmd, source, io.Discard); err != nil {
		return classify("mongorestore", errors.Wrapf(err, "restore into %s failed", target.Database))
	}
	return nil
}

// uri addresses target. It never carries credentials.
func (p *Provider) uri(target common.DatabaseTarget) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(target.EffectiveHost(), strconv.Itoa(target.EffectivePort())),
		Path:   "/",
	}
	return u.String()
}

// authArgs returns the credential flags for the tools. The password goes
// into a 0600 --config file so it never shows up in the process list; the
// returned cleanup removes that file.
func (p *Provider) authArgs(creds common.Credentials) ([]string, func(), error) {
	if creds.Username == "" {
		return nil, func() {}, nil
	}
	args := []string{"--username=" + creds.Username}
	if p.AuthDatabase != "" {
		args = append(args, "--authenticationDatabase="+p.AuthDatabase)
	}
	if creds.Password == "" {
		return args, func() {}, nil
	}

	path, err := writePasswordConfig(creds.Password)
	if err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "mongodb credentials", err)
	}
	return append(args, "--config="+path), func() { os.Remove(path) }, nil
}

func writePasswordConfig(password string) (string, error) {
	data, err := yaml.Marshal(map[string]string{"password": password})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode tool config")
	}
	// CreateTemp opens the file with mode 0600
	f, err := os.CreateTemp("", "godbguard-mongo-*.yaml")
	if err != nil {
		return "", errors.Wrap(err, "failed to create tool config")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrap(err, "failed to write tool config")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, "failed to write tool config")
	}
	return f.Name(), nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.CancelledByOperator, op, err)
	}

	var cmdErr *common.CommandError
	if errors.As(err, &cmdErr) {
		stderr := strings.ToLower(cmdErr.Stderr)
		switch {
		case strings.Contains(stderr, "authentication failed"),
			strings.Contains(stderr, "auth error"),
			strings.Contains(stderr, "not authorized"):
			return fault.Wrap(fault.AuthenticationFailure, op, err)
		case strings.Contains(stderr, "server selection error"),
			strings.Contains(stderr, "no reachable servers"),
			strings.Contains(stderr, "connection refused"),
			strings.Contains(stderr, "connection reset"):
			return fault.Wrap(fault.ConnectionFailure, op, err)
		default:
			return fault.Wrap(fault.Internal, op, err)
		}
	}

	return fault.Wrap(fault.Internal, op, err)
}
