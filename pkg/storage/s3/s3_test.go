package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

// fakeS3 is an in-memory bucket
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, exists := f.objects[key]; exists {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

var errMultipart = errors.New("multipart uploads are not supported by the fake")

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return nil, errMultipart
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func newTestStore() (*Store, *fakeS3) {
	fake := newFakeS3()
	return newStore(fake, "backups", "/godbguard/", logrus.NewEntry(logrus.New())), fake
}

func testArtifact(at time.Time) artifact.Artifact {
	return artifact.New(common.DatabaseTarget{Engine: common.EngineMongoDB, Host: "mongo1", Database: "events"}, artifact.CompressionGzip, at)
}

func upload(t *testing.T, s *Store, a artifact.Artifact, body string) {
	t.Helper()
	w, err := s.OpenSink(context.Background(), a)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestKeyLayout(t *testing.T) {
	s, _ := newTestStore()
	a := artifact.Artifact{ID: "events-mongodb-20260101-030000-0a1b2c3d", Engine: common.EngineMongoDB, Database: "events"}

	assert.Equal(t, "godbguard/mongodb/events/events-mongodb-20260101-030000-0a1b2c3d.gdba", s.objectKey(a))
	assert.Equal(t, "godbguard/meta/events-mongodb-20260101-030000-0a1b2c3d.json", s.metaKey(a.ID))
	assert.Equal(t, "godbguard/meta/events-mongodb-20260101-030000-0a1b2c3d.final", s.finalKey(a.ID))

	bare := newStore(newFakeS3(), "b", "", logrus.NewEntry(logrus.New()))
	assert.Equal(t, "meta/x.json", bare.metaKey("x"))
}

func TestUploadFinalizeDownload(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()
	a := testArtifact(time.Now())

	upload(t, s, a, "archive bytes")

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Finalized)
	assert.Equal(t, "s3://backups/"+s.objectKey(a), got.Location)

	require.NoError(t, s.Finalize(ctx, a.ID, "feedface", 13))
	assert.True(t, fake.has(s.finalKey(a.ID)))

	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Finalized)
	assert.Equal(t, "feedface", got.Checksum)

	r, err := s.OpenSource(ctx, a.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(body))
}

func TestFinalizeOnce(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	a := testArtifact(time.Now())
	upload(t, s, a, "x")

	require.NoError(t, s.Finalize(ctx, a.ID, "one", 1))
	assert.Equal(t, fault.AlreadyFinalized, fault.KindOf(s.Finalize(ctx, a.ID, "two", 2)))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Checksum)
}

func TestFinalizeMarkerRace(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()
	a := testArtifact(time.Now())
	upload(t, s, a, "x")

	// Another writer got the marker in first
	fake.objects[s.finalKey(a.ID)] = []byte("other")

	err := s.Finalize(ctx, a.ID, "mine", 1)
	assert.Equal(t, fault.AlreadyFinalized, fault.KindOf(err))
}

func TestListAndDelete(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	older := testArtifact(base)
	newer := testArtifact(base.Add(time.Hour))
	upload(t, s, older, "a")
	upload(t, s, newer, "b")
	require.NoError(t, s.Finalize(ctx, older.ID, "c", 1))

	list, err := s.List(ctx, "mongodb://mongo1:27017/events")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	none, err := s.List(ctx, "mysql://db1:3306/shop")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.Delete(ctx, older.ID))
	assert.False(t, fake.has(s.objectKey(older)))
	assert.False(t, fake.has(s.finalKey(older.ID)))
	_, err = s.Get(ctx, older.ID)
	assert.Equal(t, fault.ArtifactNotFound, fault.KindOf(err))
}

func TestPresignRequiresClient(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.PresignURL(context.Background(), "x", time.Minute)
	assert.Error(t, err)
}

func TestAdopt(t *testing.T) {
	s, fake := newTestStore()
	ctx := context.Background()
	a := testArtifact(time.Now())
	fake.objects[s.objectKey(a)] = []byte("recovered archive")

	now := time.Now().UTC()
	a.Checksum = "c0ffee"
	a.Size = 17
	a.Finalized = true
	a.FinalizedAt = &now
	require.NoError(t, s.Adopt(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Finalized)
	assert.Equal(t, "s3://backups/"+s.objectKey(a), got.Location)
	assert.True(t, fake.has(s.finalKey(a.ID)))

	assert.Error(t, s.Adopt(ctx, a))
}
