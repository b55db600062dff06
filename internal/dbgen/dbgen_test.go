package dbgen

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/ralt/pkgrepo/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePackage(name, version string) models.Package {
	return models.Package{
		Name:     name,
		Version:  version,
		Arch:     "x86_64",
		Repo:     "main",
		Filename: name + "-" + version + "-x86_64.pkg.tar.zst",
		SHA256:   "deadbeef",
		Size:     1024,
	}
}

func TestGenerateDescFieldOrderAndContent(t *testing.T) {
	pkg := samplePackage("foo", "1.0.0-1")
	info := models.PkgInfo{
		Pkgname:   "foo",
		Pkgver:    "1.0.0-1",
		Arch:      "x86_64",
		Pkgdesc:   "a test package",
		URL:       "https://example.com",
		Builddate: "1234567890",
		Packager:  "Test <test@example.com>",
		Size:      2048,
		HasSize:   true,
		License:   []string{"MIT"},
		Depends:   []string{"bar"},
	}

	desc := generateDesc(pkg, info)

	filenameIdx := indexOf(t, desc, "%FILENAME%")
	csizeIdx := indexOf(t, desc, "%CSIZE%")
	isizeIdx := indexOf(t, desc, "%ISIZE%")
	sha256Idx := indexOf(t, desc, "%SHA256SUM%")
	licenseIdx := indexOf(t, desc, "%LICENSE%")

	assert.Less(t, filenameIdx, csizeIdx)
	assert.Less(t, csizeIdx, isizeIdx)
	assert.Less(t, isizeIdx, sha256Idx)
	assert.Less(t, sha256Idx, licenseIdx)
	assert.Contains(t, desc, "foo-1.0.0-1-x86_64.pkg.tar.zst")
	assert.Contains(t, desc, "deadbeef")
}

func TestGenerateDescOmitsEmptyOptionalFields(t *testing.T) {
	pkg := samplePackage("foo", "1.0.0-1")
	info := models.PkgInfo{Pkgname: "foo", Pkgver: "1.0.0-1", Arch: "x86_64"}

	desc := generateDesc(pkg, info)
	assert.NotContains(t, desc, "%DESC%")
	assert.NotContains(t, desc, "%LICENSE%")
	assert.NotContains(t, desc, "%ISIZE%")
}

func TestLatestPerNameReducesToNewestVersion(t *testing.T) {
	entries := []Entry{
		{Package: samplePackage("foo", "1.0.0-1")},
		{Package: samplePackage("foo", "2.0.0-1")},
		{Package: samplePackage("bar", "1.0.0-1")},
	}

	latest := LatestPerName(entries)
	require.Len(t, latest, 2)

	byName := make(map[string]Entry)
	for _, e := range latest {
		byName[e.Package.Name] = e
	}
	assert.Equal(t, "2.0.0-1", byName["foo"].Package.Version)
	assert.Equal(t, "1.0.0-1", byName["bar"].Package.Version)
}

func TestGenerateProducesDbAndFilesArchivesWithSymlinks(t *testing.T) {
	dir := t.TempDir()
	packagesDir := filepath.Join(dir, "packages")
	require.NoError(t, os.MkdirAll(packagesDir, 0o755))

	pkg := samplePackage("foo", "1.0.0-1")
	require.NoError(t, os.WriteFile(filepath.Join(packagesDir, pkg.Filename), []byte("fake archive"), 0o644))

	entries := []Entry{{Package: pkg, Info: models.PkgInfo{Pkgname: "foo", Pkgver: "1.0.0-1", Arch: "x86_64"}}}

	archDir := filepath.Join(dir, "os", "x86_64")
	require.NoError(t, Generate(archDir, "main", entries, packagesDir))

	assertTarGzHasEntry(t, filepath.Join(archDir, "main.db.tar.gz"), "foo-1.0.0-1/desc")
	assertTarGzHasEntry(t, filepath.Join(archDir, "main.files.tar.gz"), "foo-1.0.0-1/files")

	dbLinkInfo, err := os.Lstat(filepath.Join(archDir, "main.db"))
	require.NoError(t, err)
	assert.True(t, dbLinkInfo.Mode()&os.ModeSymlink != 0 || dbLinkInfo.Mode().IsRegular())
}

func TestGenerateSkipsPackagesWithMissingArchiveFile(t *testing.T) {
	dir := t.TempDir()
	packagesDir := filepath.Join(dir, "packages")
	require.NoError(t, os.MkdirAll(packagesDir, 0o755))

	pkg := samplePackage("ghost", "1.0.0-1")
	entries := []Entry{{Package: pkg, Info: models.PkgInfo{Pkgname: "ghost", Pkgver: "1.0.0-1", Arch: "x86_64"}}}

	archDir := filepath.Join(dir, "os", "x86_64")
	require.NoError(t, Generate(archDir, "main", entries, packagesDir))

	assertTarGzHasNoEntries(t, filepath.Join(archDir, "main.db.tar.gz"))
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	t.Fatalf("expected %q to contain %q", haystack, needle)
	return -1
}

func assertTarGzHasEntry(t *testing.T, path, entryName string) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err != nil {
			t.Fatalf("entry %q not found in %s", entryName, path)
		}
		if hdr.Name == entryName {
			return
		}
	}
}

func assertTarGzHasNoEntries(t *testing.T, path string) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	tr := tar.NewReader(gz)
	_, err = tr.Next()
	assert.Error(t, err)
}
