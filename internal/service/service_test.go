package service

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ralt/pkgrepo/internal/config"
	"github.com/ralt/pkgrepo/internal/contracts"
	"github.com/ralt/pkgrepo/internal/pkgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPackageArchive(t *testing.T, pkginfo string) []byte {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: ".PKGINFO",
		Mode: 0o644,
		Size: int64(len(pkginfo)),
	}))
	_, err := tw.Write([]byte(pkginfo))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var zstdBuf bytes.Buffer
	zw, err := zstd.NewWriter(&zstdBuf)
	require.NoError(t, err)
	_, err = zw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return zstdBuf.Bytes()
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.DBDebounce = 10 * time.Millisecond
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func uploadWholeArchive(t *testing.T, svc *Service, data []byte, repo, arch string) string {
	t.Helper()
	sess, err := svc.Uploads.Create("staged.pkg.tar.zst", int64(len(data)), "", repo, arch, int64(len(data)), time.Hour, 0)
	require.NoError(t, err)
	_, err = svc.Uploads.StoreChunk(sess.UploadID, 1, data)
	require.NoError(t, err)
	return sess.UploadID
}

func TestInitiateUploadAppliesConfiguredDefaults(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.InitiateUpload(contracts.InitiateUploadRequest{
		Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize: svc.Config.Storage.ChunkSizeDefault,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.UploadID)
	assert.Equal(t, svc.Config.Storage.ChunkSizeDefault, resp.ChunkSize)
	assert.Equal(t, 1, resp.TotalChunks)
}

func TestInitiateUploadRejectsOversizedDeclaredSize(t *testing.T) {
	svc := newTestService(t)
	svc.Config.Server.MaxPayloadSize = 1000

	_, err := svc.InitiateUpload(contracts.InitiateUploadRequest{
		Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize: 2000,
	})
	kind, ok := pkgerr.Of(err)
	require.True(t, ok)
	assert.Equal(t, pkgerr.KindPayloadTooLarge, kind)
}

func TestCompleteUploadStoresPackageAndRequestsRebuild(t *testing.T) {
	svc := newTestService(t)
	data := buildPackageArchive(t, "pkgname = foo\npkgver = 1.0.0-1\narch = x86_64\npkgdesc = demo\n")
	uploadID := uploadWholeArchive(t, svc, data, "main", "x86_64")

	pkg, err := svc.CompleteUpload(uploadID)
	require.NoError(t, err)
	assert.Equal(t, "foo", pkg.Name)
	assert.Equal(t, "foo-1.0.0-1-x86_64.pkg.tar.zst", pkg.Filename)

	exists, err := svc.Storage.Exists("main", pkg.Filename)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = svc.Uploads.Get(uploadID)
	assert.Error(t, err, "upload session should be cleaned up after completion")
}

func TestCompleteUploadRejectsDuplicatePackage(t *testing.T) {
	svc := newTestService(t)
	data := buildPackageArchive(t, "pkgname = foo\npkgver = 1.0.0-1\narch = x86_64\n")

	first := uploadWholeArchive(t, svc, data, "main", "x86_64")
	_, err := svc.CompleteUpload(first)
	require.NoError(t, err)

	second := uploadWholeArchive(t, svc, data, "main", "x86_64")
	_, err = svc.CompleteUpload(second)
	kind, ok := pkgerr.Of(err)
	require.True(t, ok)
	assert.Equal(t, pkgerr.KindAlreadyExists, kind)
}

func TestForceRebuildGeneratesRepositoryDatabase(t *testing.T) {
	svc := newTestService(t)
	data := buildPackageArchive(t, "pkgname = foo\npkgver = 1.0.0-1\narch = x86_64\n")
	uploadID := uploadWholeArchive(t, svc, data, "main", "x86_64")
	_, err := svc.CompleteUpload(uploadID)
	require.NoError(t, err)

	go svc.Run()
	defer func() {
		svc.Actor.Shutdown()
		<-svc.Done()
	}()

	svc.ForceRebuild("main", "x86_64")

	archDir, err := svc.Storage.ArchDir("main", "x86_64")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(filepath.Join(archDir, "main.db.tar.gz"))
		return statErr == nil
	}, time.Second, 10*time.Millisecond)
	assert.DirExists(t, archDir)
}

func TestDeletePackageRemovesFromStorage(t *testing.T) {
	svc := newTestService(t)
	data := buildPackageArchive(t, "pkgname = foo\npkgver = 1.0.0-1\narch = x86_64\n")
	uploadID := uploadWholeArchive(t, svc, data, "main", "x86_64")
	pkg, err := svc.CompleteUpload(uploadID)
	require.NoError(t, err)

	require.NoError(t, svc.DeletePackage(pkg.Name, "main", "x86_64"))

	exists, err := svc.Storage.Exists("main", pkg.Filename)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBootstrapPurgesStagingAndReconciles(t *testing.T) {
	svc := newTestService(t)
	data := buildPackageArchive(t, "pkgname = foo\npkgver = 1.0.0-1\narch = x86_64\n")
	_ = uploadWholeArchive(t, svc, data, "main", "x86_64") // never completed

	assert.NoError(t, svc.Bootstrap())
}
