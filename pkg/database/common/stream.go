package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// HashingWriter counts and hashes everything written through it
type HashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewHashingWriter wraps w
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	hw.n += int64(n)
	return n, err
}

// Report returns the checksum and size of the bytes written so far
func (hw *HashingWriter) Report() BackupReport {
	return BackupReport{Checksum: hex.EncodeToString(hw.h.Sum(nil)), Size: hw.n}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// ContextReader returns a reader that fails with ctx.Err() once ctx is done
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
