package archive

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestArchive(t *testing.T, pkginfo string) []byte {
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

func TestExtractPkgInfoRequiredFields(t *testing.T) {
	data := buildTestArchive(t, "pkgname = foo\npkgver = 1.2.3\narch = x86_64\npkgdesc = a test package\n")

	info, err := ExtractPkgInfo(data)
	require.NoError(t, err)
	assert.Equal(t, "foo", info.Pkgname)
	assert.Equal(t, "1.2.3", info.Pkgver)
	assert.Equal(t, "x86_64", info.Arch)
	assert.Equal(t, "a test package", info.Pkgdesc)
}

func TestExtractPkgInfoListFieldsAccumulate(t *testing.T) {
	data := buildTestArchive(t, "pkgname = foo\npkgver = 1.0.0\narch = any\n"+
		"depend = bar\ndepend = baz>=1.0\nlicense = MIT\n")

	info, err := ExtractPkgInfo(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"bar", "baz>=1.0"}, info.Depends)
	assert.Equal(t, []string{"MIT"}, info.License)
}

func TestExtractPkgInfoIgnoresCommentsAndBlankLines(t *testing.T) {
	data := buildTestArchive(t, "# comment\n\npkgname = foo\npkgver = 1.0.0\narch = any\n")

	info, err := ExtractPkgInfo(data)
	require.NoError(t, err)
	assert.Equal(t, "foo", info.Pkgname)
}

func TestExtractPkgInfoMissingRequiredField(t *testing.T) {
	data := buildTestArchive(t, "pkgname = foo\narch = any\n")

	_, err := ExtractPkgInfo(data)
	assert.Error(t, err)
}

func TestExtractPkgInfoNoEntry(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.Close())

	var zstdBuf bytes.Buffer
	zw, err := zstd.NewWriter(&zstdBuf)
	require.NoError(t, err)
	_, err = zw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = ExtractPkgInfo(zstdBuf.Bytes())
	assert.Error(t, err)
}

func TestSizeFieldParsed(t *testing.T) {
	data := buildTestArchive(t, "pkgname = foo\npkgver = 1.0.0\narch = any\nsize = 4096\n")
	info, err := ExtractPkgInfo(data)
	require.NoError(t, err)
	assert.True(t, info.HasSize)
	assert.Equal(t, uint64(4096), info.Size)
}

func TestChecksumHelpers(t *testing.T) {
	data := []byte("hello world")
	assert.Len(t, SHA256Hex(data), 64)
	assert.Len(t, MD5Hex(data), 32)
	assert.Equal(t, SHA256Hex(data), SHA256Hex(data))
}
