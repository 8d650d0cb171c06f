package local

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDBGuard/pkg/artifact"
	"github.com/supporttools/GoDBGuard/pkg/database/common"
	"github.com/supporttools/GoDBGuard/pkg/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	return s
}

func newArtifact(db string, at time.Time) artifact.Artifact {
	return artifact.New(common.DatabaseTarget{Engine: common.EngineMySQL, Host: "db1", Database: db}, artifact.CompressionNone, at)
}

func writeArtifact(t *testing.T, s *Store, a artifact.Artifact, body string) {
	t.Helper()
	w, err := s.OpenSink(context.Background(), a)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestSinkFinalizeAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newArtifact("shop", time.Now())

	writeArtifact(t, s, a, "dump bytes")

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.Finalized)
	assert.FileExists(t, got.Location)

	require.NoError(t, s.Finalize(ctx, a.ID, "abc123", 10))

	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Finalized)
	assert.NotNil(t, got.FinalizedAt)
	assert.Equal(t, "abc123", got.Checksum)
	assert.Equal(t, int64(10), got.Size)

	info, err := os.Stat(got.Location)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())

	r, err := s.OpenSource(ctx, a.ID)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "dump bytes", string(body))
}

func TestFinalizeTwiceFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newArtifact("shop", time.Now())
	writeArtifact(t, s, a, "dump bytes")

	require.NoError(t, s.Finalize(ctx, a.ID, "first", 10))
	err := s.Finalize(ctx, a.ID, "second", 99)
	assert.Equal(t, fault.AlreadyFinalized, fault.KindOf(err))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Checksum)
	assert.Equal(t, int64(10), got.Size)
}

func TestOpenSinkRejectsDuplicatesAndBadIDs(t *testing.T) {
	s := newTestStore(t)
	a := newArtifact("shop", time.Now())
	writeArtifact(t, s, a, "x")

	_, err := s.OpenSink(context.Background(), a)
	assert.Error(t, err)

	a.ID = "../escape"
	_, err = s.OpenSink(context.Background(), a)
	assert.Error(t, err)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope-mysql-20260101-000000-deadbeef")
	assert.Equal(t, fault.ArtifactNotFound, fault.KindOf(err))

	_, err = s.OpenSource(context.Background(), "../../etc/passwd")
	assert.Equal(t, fault.ArtifactNotFound, fault.KindOf(err))
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)

	old := newArtifact("shop", base)
	mid := newArtifact("shop", base.Add(24*time.Hour))
	latest := newArtifact("shop", base.Add(48*time.Hour))
	other := newArtifact("billing", base.Add(72*time.Hour))
	for _, a := range []artifact.Artifact{mid, old, other, latest} {
		writeArtifact(t, s, a, a.ID)
	}

	list, err := s.List(context.Background(), "mysql://db1:3306/shop")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{latest.ID, mid.ID, old.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

	all, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, other.ID, all[0].ID)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newArtifact("shop", time.Now())
	writeArtifact(t, s, a, "x")
	require.NoError(t, s.Finalize(ctx, a.ID, "c", 1))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a.ID))
	assert.NoFileExists(t, got.Location)

	_, err = s.Get(ctx, a.ID)
	assert.Equal(t, fault.ArtifactNotFound, fault.KindOf(err))
	assert.Equal(t, fault.ArtifactNotFound, fault.KindOf(s.Delete(ctx, a.ID)))
}
