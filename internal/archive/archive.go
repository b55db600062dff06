// Package archive decodes a zstd-compressed tar package archive far
// enough to recover its .PKGINFO block, and computes the checksums the
// rest of the core needs (spec.md section 4.2).
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ralt/pkgrepo/internal/models"
	"github.com/ralt/pkgrepo/internal/pkgerr"
)

// ExtractPkgInfo streams data (a zstd-compressed tar) looking for the
// first ".PKGINFO" entry, then parses it. It fails with
// pkgerr.KindInvalidPackage if decompression fails, no .PKGINFO entry is
// found, or a required field is missing.
func ExtractPkgInfo(data []byte) (models.PkgInfo, error) {
	return ExtractPkgInfoReader(bytes.NewReader(data))
}

// ExtractPkgInfoReader is the streaming form of ExtractPkgInfo, for
// callers that already have an io.Reader (e.g. an os.File) and would
// rather not buffer the whole archive.
func ExtractPkgInfoReader(r io.Reader) (models.PkgInfo, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return models.PkgInfo{}, pkgerr.New(pkgerr.KindInvalidPackage, "archive.Extract", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return models.PkgInfo{}, pkgerr.Newf(pkgerr.KindInvalidPackage, "archive.Extract", ".PKGINFO not found in package")
		}
		if err != nil {
			return models.PkgInfo{}, pkgerr.New(pkgerr.KindInvalidPackage, "archive.Extract", err)
		}
		if hdr.Name != ".PKGINFO" {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return models.PkgInfo{}, pkgerr.New(pkgerr.KindInvalidPackage, "archive.Extract", err)
		}
		return parsePkgInfo(string(content))
	}
}

// parsePkgInfo implements the line parser of spec.md section 4.2:
// ignore blank lines and "#" comments; split each remaining line once
// on " = "; known scalar keys overwrite, known list keys append;
// unknown keys are ignored; pkgname/pkgver/arch are required.
func parsePkgInfo(content string) (models.PkgInfo, error) {
	var info models.PkgInfo
	var haveName, haveVer, haveArch bool

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		switch key {
		case "pkgname":
			info.Pkgname = value
			haveName = true
		case "pkgver":
			info.Pkgver = value
			haveVer = true
		case "arch":
			info.Arch = value
			haveArch = true
		case "pkgdesc":
			info.Pkgdesc = value
		case "url":
			info.URL = value
		case "builddate":
			info.Builddate = value
		case "packager":
			info.Packager = value
		case "size":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				info.Size = n
				info.HasSize = true
			}
		case "license":
			info.License = append(info.License, value)
		case "depend":
			info.Depends = append(info.Depends, value)
		case "optdepend":
			info.Optdepends = append(info.Optdepends, value)
		case "provides":
			info.Provides = append(info.Provides, value)
		case "conflict":
			info.Conflicts = append(info.Conflicts, value)
		case "replaces":
			info.Replaces = append(info.Replaces, value)
		case "group":
			info.Groups = append(info.Groups, value)
		case "backup":
			info.Backup = append(info.Backup, value)
		case "makedepend":
			info.Makedepends = append(info.Makedepends, value)
		case "checkdepend":
			info.Checkdepends = append(info.Checkdepends, value)
		default:
			// unknown key, ignored
		}
	}
	if err := sc.Err(); err != nil {
		return models.PkgInfo{}, pkgerr.New(pkgerr.KindInvalidPackage, "archive.ParsePkgInfo", err)
	}

	if !haveName || !haveVer || !haveArch {
		return models.PkgInfo{}, pkgerr.Newf(pkgerr.KindInvalidPackage, "archive.ParsePkgInfo", "missing required .PKGINFO field")
	}

	return info, nil
}

// SHA256Hex returns the lowercase hex SHA-256 of data - the archive
// content hash stored on the Package record.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MD5Hex returns the lowercase hex MD5 of data - used only as a
// wire-corruption check on individual upload chunks (spec.md section
// 4.2), never as a security primitive.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
