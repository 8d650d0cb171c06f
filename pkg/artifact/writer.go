package artifact

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
)

// Writer encodes an artifact onto an underlying writer. Bytes written to it
// are the raw driver output; Close appends the trailer.
type Writer struct {
	file    *hashWriter
	body    io.Writer
	gz      *gzip.Writer
	raw     hash.Hash
	rawSize int64
	closed  bool
}

// NewWriter writes hdr to dst and returns a Writer for the body
func NewWriter(dst io.Writer, hdr Header) (*Writer, error) {
	if hdr.SchemaVersion == 0 {
		hdr.SchemaVersion = SchemaVersion
	}
	if hdr.ChecksumAlgorithm == "" {
		hdr.ChecksumAlgorithm = ChecksumAlgorithm
	}
	if hdr.Compression == "" {
		hdr.Compression = CompressionNone
	}

	doc, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact header: %w", err)
	}

	fw := &hashWriter{w: dst, h: sha256.New()}
	prefix := make([]byte, 0, len(headerMagic)+6)
	prefix = append(prefix, headerMagic...)
	prefix = binary.BigEndian.AppendUint16(prefix, FormatVersion)
	prefix = binary.BigEndian.AppendUint32(prefix, uint32(len(doc)))
	if _, err := fw.Write(prefix); err != nil {
		return nil, fmt.Errorf("failed to write artifact header: %w", err)
	}
	if _, err := fw.Write(doc); err != nil {
		return nil, fmt.Errorf("failed to write artifact header: %w", err)
	}

	w := &Writer{file: fw, body: fw, raw: sha256.New()}
	switch hdr.Compression {
	case CompressionNone:
	case CompressionGzip:
		w.gz = gzip.NewWriter(fw)
		w.body = w.gz
	default:
		return nil, fmt.Errorf("unsupported artifact compression %q", hdr.Compression)
	}
	return w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("artifact writer is closed")
	}
	n, err := w.body.Write(p)
	w.raw.Write(p[:n])
	w.rawSize += int64(n)
	return n, err
}

// Close flushes the body and writes the trailer. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("failed to flush compressed body: %w", err)
		}
	}

	trailer := make([]byte, 0, trailerSize)
	trailer = append(trailer, trailerMagic...)
	trailer = w.raw.Sum(trailer)
	trailer = w.file.h.Sum(trailer)
	trailer = binary.BigEndian.AppendUint64(trailer, uint64(w.rawSize))
	if _, err := w.file.w.Write(trailer); err != nil {
		return fmt.Errorf("failed to write artifact trailer: %w", err)
	}
	return nil
}

// Checksum is the hex sha256 of the raw bytes written so far
func (w *Writer) Checksum() string {
	return hex.EncodeToString(w.raw.Sum(nil))
}

// Size is the number of raw bytes written so far
func (w *Writer) Size() int64 {
	return w.rawSize
}

// StoredSize is the number of encoded bytes written, trailer included once closed
func (w *Writer) StoredSize() int64 {
	if w.closed {
		return w.file.n + trailerSize
	}
	return w.file.n
}

type hashWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (hw *hashWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	hw.n += int64(n)
	return n, err
}
