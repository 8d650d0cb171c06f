package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/storage/local"
	"github.com/supporttools/GoDBGuard/pkg/storage/s3"
)

// candidate is an artifact file without finalized metadata
type candidate struct {
	id       string
	location string
	size     int64
	modTime  time.Time
	// meta is the existing non-finalized metadata, nil when it is missing
	meta *artifact.Artifact
}

// backend is one storage location being recovered
type backend interface {
	name() string
	scan(ctx context.Context, log *logrus.Entry) ([]candidate, error)
	open(ctx context.Context, c candidate) (io.ReadCloser, error)
	adopt(ctx context.Context, c candidate, a artifact.Artifact) error
	finalize(ctx context.Context, id, checksum string, size int64) error
	remove(ctx context.Context, c candidate) error
}

type options struct {
	dryRun  bool
	gc      bool
	gcAge   time.Duration
	workers int
	now     time.Time
}

type stats struct {
	scanned   int
	adopted   int
	finalized int
	corrupt   int
	removed   int
	bytes     int64
}

func (s *stats) add(o stats) {
	s.scanned += o.scanned
	s.adopted += o.adopted
	s.finalized += o.finalized
	s.corrupt += o.corrupt
	s.removed += o.removed
	s.bytes += o.bytes
}

type result struct {
	summary artifact.Summary
	err     error
}

// run verifies every candidate of b in parallel, then applies the outcome
// one candidate at a time
func run(ctx context.Context, b backend, opts options, log *logrus.Entry) (stats, error) {
	var st stats
	log = log.WithField("storage", b.name())

	cands, err := b.scan(ctx, log)
	if err != nil {
		return st, err
	}
	st.scanned = len(cands)
	log.Infof("Found %d artifacts without finalized metadata", len(cands))

	results := make([]result, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	if opts.workers > 0 {
		g.SetLimit(opts.workers)
	}
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			results[i] = verify(gctx, b, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		r := results[i]
		clog := log.WithField("artifact", c.id)

		if r.err == nil && c.meta != nil && c.meta.Engine != r.summary.Header.Engine {
			r.err = fault.New(fault.CorruptArtifact, "recover", "header names engine %s, metadata says %s",
				r.summary.Header.Engine, c.meta.Engine)
		}
		if r.err != nil {
			st.corrupt++
			clog.Warnf("Verification failed: %v", r.err)
			if opts.gc && opts.now.Sub(c.modTime) >= opts.gcAge {
				if !opts.dryRun {
					if err := b.remove(ctx, c); err != nil {
						clog.Errorf("Failed to remove: %v", err)
						continue
					}
				}
				st.removed++
				clog.Info("Removed unrecoverable artifact")
			}
			continue
		}

		if opts.dryRun {
			if c.meta != nil {
				st.finalized++
			} else {
				st.adopted++
			}
			st.bytes += r.summary.Size
			clog.Infof("Would recover %s artifact for %s", r.summary.Header.Engine, r.summary.Header.TargetKey)
			continue
		}

		if c.meta != nil {
			err := b.finalize(ctx, c.id, r.summary.Checksum, r.summary.Size)
			if fault.Is(err, fault.AlreadyFinalized) {
				clog.Debug("Finalized concurrently, skipping")
				continue
			}
			if err != nil {
				clog.Errorf("Failed to finalize: %v", err)
				continue
			}
			st.finalized++
		} else {
			if err := b.adopt(ctx, c, rebuild(c, r.summary, opts.now)); err != nil {
				clog.Errorf("Failed to rebuild metadata: %v", err)
				continue
			}
			st.adopted++
		}
		st.bytes += r.summary.Size
		clog.Debugf("Recovered artifact for %s", r.summary.Header.TargetKey)
	}
	return st, nil
}

func verify(ctx context.Context, b backend, c candidate) result {
	rc, err := b.open(ctx, c)
	if err != nil {
		return result{err: err}
	}
	defer rc.Close()
	summary, err := artifact.Verify(common.ContextReader(ctx, rc))
	return result{summary: summary, err: err}
}

// rebuild derives finalized metadata from a verified artifact
func rebuild(c candidate, s artifact.Summary, now time.Time) artifact.Artifact {
	finalized := now.UTC()
	return artifact.Artifact{
		ID:          c.id,
		Engine:      s.Header.Engine,
		TargetKey:   s.Header.TargetKey,
		Database:    s.Header.Database,
		Checksum:    s.Checksum,
		Size:        s.Size,
		CreatedAt:   s.Header.CreatedAt,
		FinalizedAt: &finalized,
		Compression: s.Header.Compression,
		Finalized:   true,
	}
}

// pending looks up the metadata of id. It returns false for artifacts that
// are already finalized and therefore need nothing.
func pending(ctx context.Context, get func(context.Context, string) (artifact.Artifact, error), id string) (*artifact.Artifact, bool, error) {
	a, err := get(ctx, id)
	switch {
	case err == nil && a.Finalized:
		return nil, false, nil
	case err == nil:
		return &a, true, nil
	case fault.Is(err, fault.ArtifactNotFound):
		return nil, true, nil
	default:
		return nil, false, err
	}
}

type localBackend struct {
	store *local.Store
}

func (b *localBackend) name() string { return "local" }

func (b *localBackend) scan(ctx context.Context, log *logrus.Entry) ([]candidate, error) {
	var cands []candidate
	err := filepath.WalkDir(b.store.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debugf("Error accessing path %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), artifact.FileExt) {
			return nil
		}
		id := strings.TrimSuffix(d.Name(), artifact.FileExt)
		if !artifact.ValidID(id) {
			log.Debugf("Skipping file with non-standard name: %s", path)
			return nil
		}
		meta, ok, err := pending(ctx, b.store.Get, id)
		if err != nil {
			log.Warnf("Skipping %s: %v", path, err)
			return nil
		}
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		cands = append(cands, candidate{id: id, location: path, size: info.Size(), modTime: info.ModTime(), meta: meta})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", b.store.Dir(), err)
	}
	return cands, nil
}

func (b *localBackend) open(ctx context.Context, c candidate) (io.ReadCloser, error) {
	return os.Open(c.location)
}

func (b *localBackend) adopt(ctx context.Context, c candidate, a artifact.Artifact) error {
	a.Location = c.location
	if err := b.store.Adopt(a); err != nil {
		return err
	}
	// Adopted artifacts are sealed like finalized ones
	return os.Chmod(c.location, 0444)
}

func (b *localBackend) finalize(ctx context.Context, id, checksum string, size int64) error {
	return b.store.Finalize(ctx, id, checksum, size)
}

func (b *localBackend) remove(ctx context.Context, c candidate) error {
	if c.meta != nil {
		return b.store.Delete(ctx, c.id)
	}
	return os.Remove(c.location)
}

// s3Backend lists and reads objects with the v1 SDK and writes metadata
// through the store
type s3Backend struct {
	svc    *awss3.S3
	store  *s3.Store
	bucket string
	prefix string
}

func (b *s3Backend) name() string { return "s3" }

func (b *s3Backend) scan(ctx context.Context, log *logrus.Entry) ([]candidate, error) {
	prefix := strings.Trim(b.prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	params := &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}

	var cands []candidate
	var scanErr error
	err := b.svc.ListObjectsV2PagesWithContext(ctx, params, func(page *awss3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if !strings.HasSuffix(key, artifact.FileExt) {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(key), artifact.FileExt)
			if !artifact.ValidID(id) {
				log.Debugf("Skipping S3 object with non-standard name: %s", key)
				continue
			}
			meta, ok, err := pending(ctx, b.store.Get, id)
			if err != nil {
				scanErr = err
				return false
			}
			if !ok {
				continue
			}
			cands = append(cands, candidate{
				id:       id,
				location: key,
				size:     aws.Int64Value(obj.Size),
				modTime:  aws.TimeValue(obj.LastModified),
				meta:     meta,
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("error listing S3 objects: %w", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return cands, nil
}

func (b *s3Backend) open(ctx context.Context, c candidate) (io.ReadCloser, error) {
	out, err := b.svc.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(c.location),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", c.location, err)
	}
	return out.Body, nil
}

func (b *s3Backend) adopt(ctx context.Context, c candidate, a artifact.Artifact) error {
	a.Location = fmt.Sprintf("s3://%s/%s", b.bucket, c.location)
	return b.store.Adopt(ctx, a)
}

func (b *s3Backend) finalize(ctx context.Context, id, checksum string, size int64) error {
	return b.store.Finalize(ctx, id, checksum, size)
}

func (b *s3Backend) remove(ctx context.Context, c candidate) error {
	if c.meta != nil {
		return b.store.Delete(ctx, c.id)
	}
	_, err := b.svc.DeleteObjectWithContext(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(c.location),
	})
	return err
}
