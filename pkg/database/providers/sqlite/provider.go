// Package sqlite provides the SQLite driver. A SQLite database is a single
// file, so backup copies it and restore atomically replaces it.
package sqlite

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// magic is the first 16 bytes of every SQLite 3 database file
var magic = []byte("SQLite format 3\x00")

// Provider backs up SQLite database files. Target.Database is the file path.
type Provider struct{}

// NewProvider returns a SQLite driver
func NewProvider() *Provider {
	return &Provider{}
}

// Engine returns the engine this driver serves
func (p *Provider) Engine() common.EngineKind {
	return common.EngineSQLite
}

// Backup copies the database file into sink
func (p *Provider) Backup(ctx context.Context, target common.DatabaseTarget, _ common.Credentials, sink io.Writer) (common.BackupReport, error) {
	f, err := os.Open(target.Database)
	if err != nil {
		if os.IsNotExist(err) {
			return common.BackupReport{}, fault.Wrap(fault.ConnectionFailure, "sqlite backup", errors.Wrapf(err, "database file %s not found", target.Database))
		}
		if os.IsPermission(err) {
			return common.BackupReport{}, fault.Wrap(fault.AuthenticationFailure, "sqlite backup", err)
		}
		return common.BackupReport{}, fault.Wrap(fault.Internal, "sqlite backup", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if err := checkMagic(br); err != nil {
		return common.BackupReport{}, fault.Wrap(fault.Internal, "sqlite backup", errors.Wrapf(err, "%s", target.Database))
	}

	hw := common.NewHashingWriter(sink)
	if _, err := io.Copy(hw, common.ContextReader(ctx, br)); err != nil {
		return common.BackupReport{}, classifyCopy("sqlite backup", err)
	}
	return hw.Report(), nil
}

// Restore replaces the database file with the content of source
func (p *Provider) Restore(ctx context.Context, target common.DatabaseTarget, _ common.Credentials, source io.Reader) error {
	br := bufio.NewReader(source)
	if err := checkMagic(br); err != nil {
		return fault.Wrap(fault.Internal, "sqlite restore", err)
	}

	if err := atomic.WriteFile(target.Database, common.ContextReader(ctx, br)); err != nil {
		return classifyCopy("sqlite restore", errors.Wrapf(err, "failed to replace %s", target.Database))
	}
	return nil
}

func checkMagic(br *bufio.Reader) error {
	head, err := br.Peek(len(magic))
	if err != nil && err != io.EOF {
		return err
	}
	if !bytes.Equal(head, magic) {
		return errors.New("not a SQLite 3 database")
	}
	return nil
}

func classifyCopy(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.CancelledByOperator, op, err)
	}
	if fault.KindOf(err) != fault.Internal {
		return err
	}
	return fault.Wrap(fault.Internal, op, err)
}
