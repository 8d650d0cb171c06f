// Package artifact defines the self-verifying backup file format and the
// metadata record stores keep for each artifact.
//
// An artifact is laid out as
//
//	header : "GDBA" | u16 version | u32 length | JSON header
//	body   : driver bytes, optionally gzip compressed
//	trailer: "GDBATRL1" | sha256(raw bytes) | sha256(header+body) | u64 raw size
//
// All integers are big-endian.
package artifact

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
)

const (
	// FileExt is the extension of artifact files and objects
	FileExt = ".gdba"

	// FormatVersion is the only container version this package writes and reads
	FormatVersion uint16 = 1

	// SchemaVersion versions the JSON header
	SchemaVersion = 1

	ChecksumAlgorithm = "sha256"

	CompressionNone = "none"
	CompressionGzip = "gzip"

	maxHeaderLen = 64 << 10
	trailerSize  = 8 + 32 + 32 + 8
)

var (
	headerMagic  = []byte("GDBA")
	trailerMagic = []byte("GDBATRL1")
)

// Header is the JSON document at the start of every artifact
type Header struct {
	Engine            common.EngineKind `json:"engine"`
	SchemaVersion     int               `json:"schemaVersion"`
	ChecksumAlgorithm string            `json:"checksumAlgorithm"`
	Compression       string            `json:"compression"`
	CreatedAt         time.Time         `json:"createdAt"`
	Database          string            `json:"database,omitempty"`
	TargetKey         string            `json:"targetKey,omitempty"`
}

// Artifact is the metadata a store keeps for one backup artifact. It never
// changes once Finalized is set.
type Artifact struct {
	ID          string            `json:"id"`
	Engine      common.EngineKind `json:"engine"`
	TargetKey   string            `json:"targetKey"`
	Database    string            `json:"database"`
	Checksum    string            `json:"checksum,omitempty"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"createdAt"`
	FinalizedAt *time.Time        `json:"finalizedAt,omitempty"`
	Location    string            `json:"location"`
	Compression string            `json:"compression"`
	Finalized   bool              `json:"finalized"`
}

// HeaderFor returns the header an artifact with this metadata carries
func (a Artifact) HeaderFor() Header {
	return Header{
		Engine:            a.Engine,
		SchemaVersion:     SchemaVersion,
		ChecksumAlgorithm: ChecksumAlgorithm,
		Compression:       a.Compression,
		CreatedAt:         a.CreatedAt.UTC(),
		Database:          a.Database,
		TargetKey:         a.TargetKey,
	}
}

// New builds the metadata of a fresh, not yet finalized artifact for target
func New(target common.DatabaseTarget, compression string, now time.Time) Artifact {
	if compression == "" {
		compression = CompressionNone
	}
	return Artifact{
		ID:          NewID(target, now),
		Engine:      target.Engine,
		TargetKey:   target.Key(),
		Database:    target.Database,
		CreatedAt:   now.UTC(),
		Compression: compression,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.]+`)
	idPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// SafeName turns a database name into a path segment. SQLite databases are
// named after their file.
func SafeName(engine common.EngineKind, database string) string {
	name := database
	if engine == common.EngineSQLite {
		name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "_.")
	if name == "" {
		name = "db"
	}
	return name
}

// NewID returns an artifact ID of the form <database>-<engine>-<timestamp>-<suffix>.
// IDs sort by creation time within one database.
func NewID(target common.DatabaseTarget, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s-%s", SafeName(target.Engine, target.Database), target.Engine,
		now.UTC().Format("20060102-150405"), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// ValidID reports whether id is safe to use as a file or object name
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// IDFromRef turns an artifact reference, which is either an ID or a path to
// an artifact file, into an ID
func IDFromRef(ref string) string {
	base := filepath.Base(ref)
	return strings.TrimSuffix(base, FileExt)
}
