package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

var payload = []byte(strings.Repeat("INSERT INTO orders VALUES (1, 'widget', 9.99);\n", 8))

func encode(t *testing.T, compression string, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{
		Engine:      common.EngineMySQL,
		Compression: compression,
		CreatedAt:   time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC),
		Database:    "shop",
		TargetKey:   "mysql://db1:3306/shop",
	})
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	sum := sha256.Sum256(raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), w.Checksum())
	assert.Equal(t, int64(len(raw)), w.Size())
	assert.Equal(t, int64(buf.Len()), w.StoredSize())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionGzip} {
		t.Run(compression, func(t *testing.T) {
			data := encode(t, compression, payload)

			r, err := NewReader(bytes.NewReader(data))
			require.NoError(t, err)
			defer r.Close()

			assert.Equal(t, common.EngineMySQL, r.Header().Engine)
			assert.Equal(t, SchemaVersion, r.Header().SchemaVersion)
			assert.Equal(t, "shop", r.Header().Database)

			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			sum := sha256.Sum256(payload)
			assert.Equal(t, hex.EncodeToString(sum[:]), r.Checksum())
		})
	}
}

func TestEmptyBody(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionGzip} {
		t.Run(compression, func(t *testing.T) {
			summary, err := Verify(bytes.NewReader(encode(t, compression, nil)))
			require.NoError(t, err)
			assert.Equal(t, int64(0), summary.Size)
		})
	}
}

func TestGzipShrinksRepetitiveBody(t *testing.T) {
	plain := encode(t, CompressionNone, payload)
	packed := encode(t, CompressionGzip, payload)
	assert.Less(t, len(packed), len(plain))
}

func TestEverySingleByteFlipIsDetected(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionGzip} {
		t.Run(compression, func(t *testing.T) {
			data := encode(t, compression, payload)

			for i := range data {
				flipped := append([]byte(nil), data...)
				flipped[i] ^= 0x01

				_, err := Verify(bytes.NewReader(flipped))
				require.Errorf(t, err, "flip at offset %d of %d went unnoticed", i, len(data))
				assert.Equalf(t, fault.CorruptArtifact, fault.KindOf(err), "offset %d: %v", i, err)
			}
		})
	}
}

func TestTruncationIsDetected(t *testing.T) {
	data := encode(t, CompressionGzip, payload)

	for _, cut := range []int{0, 3, 10, 40, len(data) / 2, len(data) - trailerSize, len(data) - 1} {
		_, err := Verify(bytes.NewReader(data[:cut]))
		assert.Equalf(t, fault.CorruptArtifact, fault.KindOf(err), "cut at %d", cut)
	}
}

func TestTrailingGarbageIsDetected(t *testing.T) {
	data := append(encode(t, CompressionNone, payload), 0x00)
	_, err := Verify(bytes.NewReader(data))
	assert.Equal(t, fault.CorruptArtifact, fault.KindOf(err))
}

type failingReader struct {
	r     io.Reader
	after int
	err   error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, f.err
	}
	if len(p) > f.after {
		p = p[:f.after]
	}
	n, err := f.r.Read(p)
	f.after -= n
	return n, err
}

func TestSourceErrorsAreNotCorruption(t *testing.T) {
	data := encode(t, CompressionNone, payload)
	boom := errors.New("connection reset by peer")

	_, err := Verify(&failingReader{r: bytes.NewReader(data), after: len(data) / 2, err: boom})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotEqual(t, fault.CorruptArtifact, fault.KindOf(err))

	_, err = Verify(&failingReader{r: bytes.NewReader(data), after: 2, err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestUnsupportedCompression(t *testing.T) {
	_, err := NewWriter(io.Discard, Header{Engine: common.EngineMySQL, Compression: "zstd"})
	assert.Error(t, err)
}

func TestNewID(t *testing.T) {
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	pattern := regexp.MustCompile(`^shop-mysql-20260301-030000-[0-9a-f]{8}$`)

	id := NewID(common.DatabaseTarget{Engine: common.EngineMySQL, Database: "shop"}, now)
	assert.Regexp(t, pattern, id)
	assert.True(t, ValidID(id))
	assert.NotEqual(t, id, NewID(common.DatabaseTarget{Engine: common.EngineMySQL, Database: "shop"}, now))

	sqliteID := NewID(common.DatabaseTarget{Engine: common.EngineSQLite, Database: "/var/lib/app/main.db"}, now)
	assert.True(t, strings.HasPrefix(sqliteID, "main-sqlite-20260301-030000-"), sqliteID)

	weird := NewID(common.DatabaseTarget{Engine: common.EnginePostgreSQL, Database: "../etc/passwd"}, now)
	assert.True(t, ValidID(weird), weird)
}

func TestIDFromRef(t *testing.T) {
	assert.Equal(t, "shop-mysql-20260301-030000-abcd1234", IDFromRef("shop-mysql-20260301-030000-abcd1234"))
	assert.Equal(t, "shop-mysql-20260301-030000-abcd1234", IDFromRef("/backups/mysql/shop/shop-mysql-20260301-030000-abcd1234.gdba"))
	assert.False(t, ValidID("../x"))
	assert.False(t, ValidID(".hidden"))
}
