package artifact

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// Reader decodes and verifies an artifact. Read yields the raw driver bytes;
// the final Read returns io.EOF only after the trailer has been checked.
type Reader struct {
	hdr     Header
	tr      *trailerReader
	body    io.Reader
	gz      *gzip.Reader
	raw     hash.Hash
	rawSize int64
	err     error
}

// NewReader reads and validates the artifact header from src
func NewReader(src io.Reader) (*Reader, error) {
	file := sha256.New()
	in := io.TeeReader(src, file)

	prefix := make([]byte, len(headerMagic)+6)
	if _, err := io.ReadFull(in, prefix); err != nil {
		return nil, headerErr(err)
	}
	if !bytes.Equal(prefix[:len(headerMagic)], headerMagic) {
		return nil, corrupt(errors.New("bad header magic"))
	}
	if v := binary.BigEndian.Uint16(prefix[4:6]); v != FormatVersion {
		return nil, corrupt(fmt.Errorf("unsupported format version %d", v))
	}
	n := binary.BigEndian.Uint32(prefix[6:10])
	if n == 0 || n > maxHeaderLen {
		return nil, corrupt(fmt.Errorf("invalid header length %d", n))
	}

	doc := make([]byte, n)
	if _, err := io.ReadFull(in, doc); err != nil {
		return nil, headerErr(err)
	}
	var hdr Header
	if err := json.Unmarshal(doc, &hdr); err != nil {
		return nil, corrupt(fmt.Errorf("invalid header: %w", err))
	}
	if hdr.ChecksumAlgorithm != ChecksumAlgorithm {
		return nil, corrupt(fmt.Errorf("unsupported checksum algorithm %q", hdr.ChecksumAlgorithm))
	}

	r := &Reader{
		hdr: hdr,
		tr:  &trailerReader{r: src, file: file},
		raw: sha256.New(),
	}
	switch hdr.Compression {
	case CompressionNone:
		r.body = r.tr
	case CompressionGzip:
		gz, err := gzip.NewReader(r.tr)
		if err != nil {
			return nil, r.classify(err)
		}
		r.gz = gz
		r.body = gz
	default:
		return nil, corrupt(fmt.Errorf("unsupported compression %q", hdr.Compression))
	}
	return r, nil
}

// Header returns the decoded header
func (r *Reader) Header() Header {
	return r.hdr
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.body.Read(p)
	r.raw.Write(p[:n])
	r.rawSize += int64(n)

	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		if verr := r.verify(); verr != nil {
			r.err = verr
			return n, verr
		}
		r.err = io.EOF
		return n, io.EOF
	default:
		r.err = r.classify(err)
		return n, r.err
	}
}

// Checksum is the hex sha256 of the raw bytes read so far
func (r *Reader) Checksum() string {
	return hex.EncodeToString(r.raw.Sum(nil))
}

// Size is the number of raw bytes read so far
func (r *Reader) Size() int64 {
	return r.rawSize
}

// Close releases the decompressor. It does not close the source.
func (r *Reader) Close() error {
	if r.gz != nil {
		return r.gz.Close()
	}
	return nil
}

func (r *Reader) verify() error {
	// A gzip body can end before the source does
	if r.gz != nil {
		if _, err := io.Copy(io.Discard, r.tr); err != nil {
			return r.classify(err)
		}
	}

	trailer, err := r.tr.trailer()
	if err != nil {
		return corrupt(err)
	}
	if !bytes.Equal(trailer[:8], trailerMagic) {
		return corrupt(errors.New("bad trailer magic"))
	}
	if !bytes.Equal(trailer[8:40], r.raw.Sum(nil)) {
		return corrupt(errors.New("content checksum mismatch"))
	}
	if !bytes.Equal(trailer[40:72], r.tr.file.Sum(nil)) {
		return corrupt(errors.New("file checksum mismatch"))
	}
	if size := binary.BigEndian.Uint64(trailer[72:80]); size != uint64(r.rawSize) {
		return corrupt(fmt.Errorf("size mismatch: trailer says %d, read %d", size, r.rawSize))
	}
	return nil
}

// classify keeps I/O failures of the source as they are and reports
// everything else as corruption
func (r *Reader) classify(err error) error {
	if r.tr.srcErr != nil && errors.Is(err, r.tr.srcErr) {
		return r.tr.srcErr
	}
	return corrupt(err)
}

// Summary is the result of a full verification pass
type Summary struct {
	Header   Header
	Checksum string
	Size     int64
}

// Verify reads src to the end and checks every integrity field
func Verify(src io.Reader) (Summary, error) {
	r, err := NewReader(src)
	if err != nil {
		return Summary{}, err
	}
	defer r.Close()

	if _, err := io.Copy(io.Discard, r); err != nil {
		return Summary{}, err
	}
	return Summary{Header: r.hdr, Checksum: r.Checksum(), Size: r.rawSize}, nil
}

func corrupt(err error) error {
	if fault.KindOf(err) == fault.CorruptArtifact {
		return err
	}
	return fault.Wrap(fault.CorruptArtifact, "read artifact", err)
}

func headerErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return corrupt(errors.New("truncated header"))
	}
	return err
}

// trailerReader passes through everything but the last trailerSize bytes of
// r, hashing what it releases
type trailerReader struct {
	r      io.Reader
	file   hash.Hash
	buf    []byte
	chunk  []byte
	eof    bool
	srcErr error
}

func (t *trailerReader) Read(p []byte) (int, error) {
	for len(t.buf) <= trailerSize && !t.eof {
		if err := t.fill(); err != nil {
			return 0, err
		}
	}

	avail := len(t.buf) - trailerSize
	if avail <= 0 {
		return 0, io.EOF
	}
	if avail > len(p) {
		avail = len(p)
	}
	n := copy(p, t.buf[:avail])
	t.file.Write(p[:n])
	t.buf = t.buf[n:]
	return n, nil
}

func (t *trailerReader) fill() error {
	if t.chunk == nil {
		t.chunk = make([]byte, 32<<10)
	}
	n, err := t.r.Read(t.chunk)
	t.buf = append(t.buf, t.chunk[:n]...)
	switch {
	case err == io.EOF:
		t.eof = true
	case err != nil:
		t.srcErr = err
		return err
	}
	return nil
}

func (t *trailerReader) trailer() ([]byte, error) {
	for !t.eof {
		if err := t.fill(); err != nil {
			return nil, err
		}
	}
	if len(t.buf) != trailerSize {
		return nil, fmt.Errorf("truncated artifact: %d trailing bytes", len(t.buf))
	}
	return t.buf, nil
}
