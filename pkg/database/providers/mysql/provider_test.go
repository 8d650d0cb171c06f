package mysql

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestDumpArgs(t *testing.T) {
	target := common.DatabaseTarget{Engine: common.EngineMySQL, Host: "db1", Database: "shop"}
	args := dumpArgs(target, common.Credentials{Username: "backup", Password: "s3cret"}, nil)

	assert.Equal(t, []string{"-h", "db1", "-P", "3306", "--protocol=TCP", "-u", "backup"}, args[:7])
	assert.Contains(t, args, "--single-transaction")
	assert.Contains(t, args, "--routines")
	assert.Equal(t, "shop", args[len(args)-1])
	for _, a := range args {
		assert.NotContains(t, a, "s3cret", "password must not appear in arguments")
	}
}

func TestDumpArgsExtraOptions(t *testing.T) {
	target := common.DatabaseTarget{Engine: common.EngineMySQL, Database: "shop"}
	args := dumpArgs(target, common.Credentials{}, []string{"--skip-comments", "--hex-blob"})
	assert.Equal(t, []string{"--skip-comments", "--hex-blob", "shop"}, args[len(args)-3:])
}

func TestRestoreArgs(t *testing.T) {
	target := common.DatabaseTarget{Engine: common.EngineMySQL, Port: 3307, Database: "shop"}
	args := restoreArgs(target, common.Credentials{})
	assert.Equal(t, []string{"-h", "localhost", "-P", "3307", "--protocol=TCP", "shop"}, args)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected fault.Kind
	}{
		{name: "access denied", err: &mysql.MySQLError{Number: 1045, Message: "Access denied"}, expected: fault.AuthenticationFailure},
		{name: "db access denied", err: &mysql.MySQLError{Number: 1044}, expected: fault.AuthenticationFailure},
		{name: "too many connections", err: &mysql.MySQLError{Number: 1040}, expected: fault.ConnectionFailure},
		{name: "unknown database", err: &mysql.MySQLError{Number: 1049}, expected: fault.Internal},
		{name: "dial error", err: &net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}, expected: fault.ConnectionFailure},
		{name: "client access denied", err: &common.CommandError{Name: "mysqldump", Stderr: "mysqldump: Got error: 1045: Access denied for user"}, expected: fault.AuthenticationFailure},
		{name: "client cannot connect", err: &common.CommandError{Name: "mysqldump", Stderr: "Can't connect to MySQL server on 'db1'"}, expected: fault.ConnectionFailure},
		{name: "client other", err: &common.CommandError{Name: "mysqldump", Stderr: "Couldn't find table"}, expected: fault.Internal},
		{name: "cancelled", err: context.Canceled, expected: fault.CancelledByOperator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, fault.KindOf(classify("op", tt.err)))
		})
	}
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	requireShell(t)

	dir := t.TempDir()
	fixture := filepath.Join(dir, "dump.sql")
	restored := filepath.Join(dir, "restored.sql")
	dump := "CREATE TABLE orders (id INT);\nINSERT INTO orders VALUES (1),(2);\n"
	require.NoError(t, os.WriteFile(fixture, []byte(dump), 0644))

	var calls []string
	p := NewProvider()
	p.Ping = func(ctx context.Context, target common.DatabaseTarget, creds common.Credentials) error { return nil }
	p.Command = func(name string, args ...string) *exec.Cmd {
		calls = append(calls, name)
		switch name {
		case "mysqldump":
			return exec.Command("sh", "-c", "cat "+fixture)
		default:
			return exec.Command("sh", "-c", "cat > "+restored)
		}
	}

	target := common.DatabaseTarget{Engine: common.EngineMySQL, Database: "shop"}
	var buf bytes.Buffer
	report, err := p.Backup(context.Background(), target, common.Credentials{Username: "root"}, &buf)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(dump))
	assert.Equal(t, hex.EncodeToString(sum[:]), report.Checksum)
	assert.Equal(t, int64(len(dump)), report.Size)

	require.NoError(t, p.Restore(context.Background(), target, common.Credentials{Username: "root"}, strings.NewReader(buf.String())))
	got, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, dump, string(got))
	assert.Equal(t, []string{"mysqldump", "mysql"}, calls)
}

func TestBackupStopsOnPingFailure(t *testing.T) {
	p := NewProvider()
	p.Ping = func(ctx context.Context, target common.DatabaseTarget, creds common.Credentials) error {
		return classify("mysql ping", &mysql.MySQLError{Number: 1045})
	}
	p.Command = func(name string, args ...string) *exec.Cmd {
		t.Fatalf("command %s must not run", name)
		return nil
	}

	_, err := p.Backup(context.Background(), common.DatabaseTarget{Engine: common.EngineMySQL, Database: "shop"}, common.Credentials{}, &bytes.Buffer{})
	assert.Equal(t, fault.AuthenticationFailure, fault.KindOf(err))
}

func TestIntegrationPing(t *testing.T) {
	if os.Getenv("TEST_DB_TYPE") != "mysql" {
		t.Skip("Skipping MySQL tests")
	}

	target := common.DatabaseTarget{
		Engine:   common.EngineMySQL,
		Host:     os.Getenv("TEST_DB_HOST"),
		Database: os.Getenv("TEST_DB_NAME"),
	}
	creds := common.Credentials{Username: os.Getenv("TEST_DB_USER"), Password: os.Getenv("TEST_DB_PASSWORD")}
	assert.NoError(t, NewProvider().Ping(context.Background(), target, creds))
}
