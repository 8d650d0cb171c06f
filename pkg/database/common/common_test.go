package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

type stubDriver struct {
	engine EngineKind
}

func (d stubDriver) Engine() EngineKind { return d.engine }

func (d stubDriver) Backup(ctx context.Context, target DatabaseTarget, creds Credentials, sink io.Writer) (BackupReport, error) {
	return BackupReport{}, nil
}

func (d stubDriver) Restore(ctx context.Context, target DatabaseTarget, creds Credentials, source io.Reader) error {
	return nil
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(stubDriver{engine: EngineMySQL}, stubDriver{engine: EngineSQLite})

	d, err := r.Resolve(EngineMySQL)
	require.NoError(t, err)
	assert.Equal(t, EngineMySQL, d.Engine())

	_, err = r.Resolve(EngineMongoDB)
	require.Error(t, err)
	assert.Equal(t, fault.UnsupportedEngine, fault.KindOf(err))

	r.Register(stubDriver{engine: EngineMongoDB})
	_, err = r.Resolve(EngineMongoDB)
	assert.NoError(t, err)

	assert.Equal(t, []EngineKind{EngineMongoDB, EngineMySQL, EngineSQLite}, r.Engines())
}

func TestParseEngineKind(t *testing.T) {
	tests := []struct {
		input    string
		expected EngineKind
		wantErr  bool
	}{
		{input: "mysql", expected: EngineMySQL},
		{input: "Postgres", expected: EnginePostgreSQL},
		{input: "postgresql", expected: EnginePostgreSQL},
		{input: "mongo", expected: EngineMongoDB},
		{input: "sqlite3", expected: EngineSQLite},
		{input: "oracle", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			kind, err := ParseEngineKind(tt.input)
			if tt.wantErr {
				assert.True(t, fault.Is(err, fault.UnsupportedEngine))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, kind)
		})
	}
}

func TestTargetKey(t *testing.T) {
	assert.Equal(t, "mysql://localhost:3306/shop", DatabaseTarget{Engine: EngineMySQL, Database: "shop"}.Key())
	assert.Equal(t, "postgresql://db.internal:6432/app",
		DatabaseTarget{Engine: EnginePostgreSQL, Host: "db.internal", Port: 6432, Database: "app"}.Key())
	assert.Equal(t, "sqlite:///var/lib/app.db", DatabaseTarget{Engine: EngineSQLite, Database: "/var/lib/app.db"}.Key())

	// credential refs do not change identity
	a := DatabaseTarget{Engine: EngineMongoDB, Database: "events", CredentialRef: "a"}
	b := DatabaseTarget{Engine: EngineMongoDB, Database: "events", CredentialRef: "b"}
	assert.Equal(t, a.Key(), b.Key())
}

func TestTargetValidate(t *testing.T) {
	assert.NoError(t, DatabaseTarget{Engine: EngineMySQL, Database: "shop"}.Validate())
	assert.Error(t, DatabaseTarget{Engine: EngineMySQL}.Validate())
	assert.Error(t, DatabaseTarget{Engine: "db2", Database: "x"}.Validate())
	assert.Error(t, DatabaseTarget{Engine: EngineMySQL, Database: "x", Port: 70000}.Validate())
}

func TestHashingWriter(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)
	_, err := io.Copy(hw, strings.NewReader("hello world"))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("hello world"))
	report := hw.Report()
	assert.Equal(t, hex.EncodeToString(sum[:]), report.Checksum)
	assert.Equal(t, int64(11), report.Size)
	assert.Equal(t, "hello world", buf.String())
}

func TestRunCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	t.Run("pipes stdin to stdout", func(t *testing.T) {
		var out bytes.Buffer
		err := RunCommand(context.Background(), exec.Command("sh", "-c", "cat"), strings.NewReader("payload"), &out)
		require.NoError(t, err)
		assert.Equal(t, "payload", out.String())
	})

	t.Run("captures stderr on failure", func(t *testing.T) {
		err := RunCommand(context.Background(), exec.Command("sh", "-c", "echo denied >&2; exit 3"), nil, io.Discard)
		var cmdErr *CommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, "denied", cmdErr.Stderr)
	})

	t.Run("kills on cancel", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := RunCommand(ctx, exec.Command("sh", "-c", "exec sleep 10"), nil, io.Discard)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "cdef", b.String())
}
