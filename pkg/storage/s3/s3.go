// Package s3 stores artifacts in an S3 compatible bucket.
//
// Objects: <prefix>/<engine>/<database>/<id>.gdba for the artifact,
// <prefix>/meta/<id>.json for metadata and <prefix>/meta/<id>.final as the
// write-once finalization marker.
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/config"
	"github.com/supporttools/GoDBGuard/pkg/fault"
	"github.com/supporttools/GoDBGuard/pkg/metrics"
	"github.com/supporttools/GoDBGuard/pkg/storage"
)

// objectAPI is the part of the S3 client the store uses
type objectAPI interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store is an S3 artifact store
type Store struct {
	api       objectAPI
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	log       *logrus.Entry
	now       func() time.Time
}

var (
	_ storage.ArtifactStore = (*Store)(nil)
	_ storage.Presigner     = (*Store)(nil)
)

// NewStore builds an S3 client from cfg and returns a store on its bucket
func NewStore(ctx context.Context, cfg config.S3Config, log *logrus.Entry) (*Store, error) {
	client, err := newClient(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	s := newStore(client, cfg.Bucket, cfg.Prefix, log)
	s.presigner = s3.NewPresignClient(client)
	return s, nil
}

func newStore(api objectAPI, bucket, prefix string, log *logrus.Entry) *Store {
	return &Store{
		api:      api,
		uploader: manager.NewUploader(api),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		log:      log,
		now:      time.Now,
	}
}

// newClient initializes an S3 client with the configured TLS and endpoint settings
func newClient(ctx context.Context, cfg config.S3Config, log *logrus.Entry) (*s3.Client, error) {
	httpClient := &http.Client{}

	if cfg.UseSSL {
		tlsConfig := &tls.Config{}

		if cfg.CustomCAPath != "" && !cfg.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}

			caCert, err := os.ReadFile(cfg.CustomCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
			}
			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, fmt.Errorf("failed to append custom CA certificate")
			}

			tlsConfig.RootCAs = rootCAs
			log.Infof("Using custom CA certificate from %s", cfg.CustomCAPath)
		}

		if cfg.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			log.Warn("TLS certificate validation is disabled for S3 connections")
		}

		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Name identifies the backend
func (s *Store) Name() string {
	return "s3"
}

func (s *Store) join(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

func (s *Store) objectKey(a artifact.Artifact) string {
	return s.join(string(a.Engine), artifact.SafeName(a.Engine, a.Database), a.ID+artifact.FileExt)
}

func (s *Store) metaKey(id string) string {
	return s.join("meta", id+".json")
}

func (s *Store) finalKey(id string) string {
	return s.join("meta", id+".final")
}

// OpenSink registers a and streams writes to S3 through a multipart uploader
func (s *Store) OpenSink(ctx context.Context, a artifact.Artifact) (io.WriteCloser, error) {
	if !artifact.ValidID(a.ID) {
		return nil, fmt.Errorf("invalid artifact id %q", a.ID)
	}
	if _, err := s.Get(ctx, a.ID); err == nil {
		return nil, fmt.Errorf("artifact %s already exists", a.ID)
	} else if !fault.Is(err, fault.ArtifactNotFound) {
		return nil, err
	}

	a.Location = fmt.Sprintf("s3://%s/%s", s.bucket, s.objectKey(a))
	a.Finalized = false
	a.FinalizedAt = nil
	a.Checksum = ""
	a.Size = 0
	if err := s.putMeta(ctx, a); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	sink := &sink{pw: pw, done: make(chan error, 1)}
	key := s.objectKey(a)
	start := s.now()

	go func() {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String("application/octet-stream"),
		})
		if err != nil {
			metrics.S3UploadCount.WithLabelValues(string(a.Engine), a.Database, "error").Inc()
			pr.CloseWithError(err)
		} else {
			metrics.S3UploadCount.WithLabelValues(string(a.Engine), a.Database, "success").Inc()
			metrics.S3UploadDuration.WithLabelValues(string(a.Engine), a.Database).Observe(s.now().Sub(start).Seconds())
		}
		sink.done <- err
	}()

	s.log.WithField("artifact", a.ID).Debugf("Streaming artifact to s3://%s/%s", s.bucket, key)
	return sink, nil
}

type sink struct {
	pw     *io.PipeWriter
	done   chan error
	closed bool
	err    error
}

func (w *sink) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close ends the stream and waits for the upload to complete
func (w *sink) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	w.pw.Close()
	if err := <-w.done; err != nil {
		w.err = fmt.Errorf("failed to upload artifact to S3: %w", err)
	}
	return w.err
}

// Finalize writes the finalization marker with If-None-Match so that only
// one finalize can ever succeed, then updates the metadata
func (s *Store) Finalize(ctx context.Context, id, checksum string, size int64) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Finalized {
		return fault.New(fault.AlreadyFinalized, "finalize", "artifact %s is already finalized", id)
	}

	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.finalKey(id)),
		Body:        strings.NewReader(checksum),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if apiErrorCode(err) == "PreconditionFailed" {
			return fault.New(fault.AlreadyFinalized, "finalize", "artifact %s is already finalized", id)
		}
		return fmt.Errorf("failed to write finalization marker for %s: %w", id, err)
	}

	now := s.now().UTC()
	a.Checksum = checksum
	a.Size = size
	a.Finalized = true
	a.FinalizedAt = &now
	return s.putMeta(ctx, a)
}

// Adopt records metadata for an artifact object uploaded without it, marking
// it finalized. It is used by recovery tooling after the object verified.
func (s *Store) Adopt(ctx context.Context, a artifact.Artifact) error {
	if !artifact.ValidID(a.ID) {
		return fmt.Errorf("invalid artifact id %q", a.ID)
	}
	if _, err := s.Get(ctx, a.ID); err == nil {
		return fmt.Errorf("artifact %s already has metadata", a.ID)
	} else if !fault.Is(err, fault.ArtifactNotFound) {
		return err
	}

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.finalKey(a.ID)),
		Body:        strings.NewReader(a.Checksum),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if apiErrorCode(err) == "PreconditionFailed" {
			return fault.New(fault.AlreadyFinalized, "adopt", "artifact %s is already finalized", a.ID)
		}
		return fmt.Errorf("failed to write finalization marker for %s: %w", a.ID, err)
	}
	if a.Location == "" {
		a.Location = fmt.Sprintf("s3://%s/%s", s.bucket, s.objectKey(a))
	}
	return s.putMeta(ctx, a)
}

// OpenSource streams the artifact object
func (s *Store) OpenSource(ctx context.Context, id string) (io.ReadCloser, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(a)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fault.Wrap(fault.ArtifactNotFound, "open artifact", err)
		}
		return nil, fmt.Errorf("failed to download artifact %s: %w", id, err)
	}
	return out.Body, nil
}

// Delete removes the artifact, its metadata and its marker
func (s *Store) Delete(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, key := range []string{s.objectKey(a), s.finalKey(id), s.metaKey(id)} {
		if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	s.log.WithField("artifact", id).Debug("Removed artifact from S3")
	return nil
}

// Get returns the metadata of id
func (s *Store) Get(ctx context.Context, id string) (artifact.Artifact, error) {
	if !artifact.ValidID(id) {
		return artifact.Artifact{}, fault.New(fault.ArtifactNotFound, "find artifact", "invalid artifact id %q", id)
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.metaKey(id)),
	})
	if err != nil {
		if isNotFound(err) {
			return artifact.Artifact{}, fault.New(fault.ArtifactNotFound, "find artifact", "artifact %s not found", id)
		}
		return artifact.Artifact{}, fmt.Errorf("failed to read metadata of %s: %w", id, err)
	}
	defer out.Body.Close()

	var a artifact.Artifact
	if err := json.NewDecoder(out.Body).Decode(&a); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to parse metadata of %s: %w", id, err)
	}
	return a, nil
}

// List returns artifacts for targetKey, newest first
func (s *Store) List(ctx context.Context, targetKey string) ([]artifact.Artifact, error) {
	paginator := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.join("meta") + "/"),
	})

	var list []artifact.Artifact
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			id := strings.TrimSuffix(key[strings.LastIndex(key, "/")+1:], ".json")
			a, err := s.Get(ctx, id)
			if err != nil {
				if fault.Is(err, fault.ArtifactNotFound) {
					continue
				}
				return nil, err
			}
			if targetKey != "" && a.TargetKey != targetKey {
				continue
			}
			list = append(list, a)
		}
	}

	storage.SortNewestFirst(list)
	return list, nil
}

// PresignURL returns a time-limited download URL for a finalized artifact
func (s *Store) PresignURL(ctx context.Context, id string, expiry time.Duration) (string, error) {
	if s.presigner == nil {
		return "", fmt.Errorf("presigning is not available")
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !a.Finalized {
		return "", fault.New(fault.ArtifactNotFinalized, "presign", "artifact %s is not finalized", id)
	}

	result, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(a)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	s.log.Debugf("Generated presigned URL for %s (expires in %s)", id, expiry)
	return result.URL, nil
}

func (s *Store) putMeta(ctx context.Context, a artifact.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.metaKey(a.ID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write metadata of %s: %w", a.ID, err)
	}
	return nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	switch apiErrorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
