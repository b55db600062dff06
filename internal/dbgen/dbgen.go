// Package dbgen builds the pacman-compatible repository database
// archives - <repo>.db.tar.gz and <repo>.files.tar.gz - plus their
// extensionless symlinks, from the current set of stored packages
// (spec.md section 4.5).
package dbgen

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ralt/pkgrepo/internal/models"
	"github.com/ralt/pkgrepo/internal/pkgerr"
	"github.com/ralt/pkgrepo/internal/version"
	"github.com/sirupsen/logrus"
)

// Entry pairs a stored package with its decoded .PKGINFO, the unit
// dbgen needs to produce one desc block.
type Entry struct {
	Package models.Package
	Info    models.PkgInfo
}

// LatestPerName reduces entries to the newest version of each package
// name, per spec.md section 4.5's "exactly one desc block per package
// name, the newest version" rule.
func LatestPerName(entries []Entry) []Entry {
	byName := make(map[string]Entry)
	for _, e := range entries {
		existing, ok := byName[e.Package.Name]
		if !ok || version.Less(version.Parse(existing.Package.Version), version.Parse(e.Package.Version)) {
			byName[e.Package.Name] = e
		}
	}
	out := make([]Entry, 0, len(byName))
	for _, e := range byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package.Name < out[j].Package.Name })
	return out
}

// generateDesc renders one %TAG%-delimited desc block in the fixed
// field order spec.md section 4.5 specifies.
func generateDesc(pkg models.Package, info models.PkgInfo) string {
	var b strings.Builder

	field := func(tag, value string) {
		if value == "" {
			return
		}
		b.WriteString("%")
		b.WriteString(tag)
		b.WriteString("%\n")
		b.WriteString(value)
		b.WriteString("\n\n")
	}
	list := func(tag string, values []string) {
		if len(values) == 0 {
			return
		}
		b.WriteString("%")
		b.WriteString(tag)
		b.WriteString("%\n")
		for _, v := range values {
			b.WriteString(v)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	field("FILENAME", pkg.Filename)
	field("NAME", pkg.Name)
	field("VERSION", pkg.Version)
	field("DESC", info.Pkgdesc)
	field("ARCH", pkg.Arch)
	field("BUILDDATE", info.Builddate)
	field("PACKAGER", info.Packager)
	field("CSIZE", strconv.FormatInt(pkg.Size, 10))
	if info.HasSize {
		field("ISIZE", strconv.FormatUint(info.Size, 10))
	}
	field("SHA256SUM", pkg.SHA256)
	field("URL", info.URL)
	list("LICENSE", info.License)
	list("DEPENDS", info.Depends)
	list("OPTDEPENDS", info.Optdepends)
	list("CONFLICTS", info.Conflicts)
	list("PROVIDES", info.Provides)
	list("REPLACES", info.Replaces)
	list("GROUPS", info.Groups)

	return b.String()
}

func generateFiles(pkg models.Package, info models.PkgInfo) string {
	var b strings.Builder
	b.WriteString(generateDesc(pkg, info))
	b.WriteString("%FILES%\n\n")
	return b.String()
}

func writeTarGz(path string, entries []Entry, leafName string, render func(models.Package, models.PkgInfo) string) error {
	f, err := os.Create(path)
	if err != nil {
		return pkgerr.New(pkgerr.KindIO, "dbgen.writeTarGz", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		content := render(e.Package, e.Info)
		dirName := fmt.Sprintf("%s-%s", e.Package.Name, e.Package.Version)

		if err := tw.WriteHeader(&tar.Header{
			Name:     dirName + "/",
			Mode:     0o755,
			Typeflag: tar.TypeDir,
		}); err != nil {
			return pkgerr.New(pkgerr.KindIO, "dbgen.writeTarGz", err)
		}

		entryPath := dirName + "/" + leafName
		if err := tw.WriteHeader(&tar.Header{
			Name: entryPath,
			Mode: 0o644,
			Size: int64(len(content)),
		}); err != nil {
			return pkgerr.New(pkgerr.KindIO, "dbgen.writeTarGz", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return pkgerr.New(pkgerr.KindIO, "dbgen.writeTarGz", err)
		}
	}

	if err := tw.Close(); err != nil {
		return pkgerr.New(pkgerr.KindIO, "dbgen.writeTarGz", err)
	}
	if err := gz.Close(); err != nil {
		return pkgerr.New(pkgerr.KindIO, "dbgen.writeTarGz", err)
	}
	return f.Sync()
}

func relink(archiveName, linkName, archDir string) error {
	linkPath := filepath.Join(archDir, linkName)
	if _, err := os.Lstat(linkPath); err == nil {
		if err := os.Remove(linkPath); err != nil {
			return pkgerr.New(pkgerr.KindIO, "dbgen.relink", err)
		}
	}
	if err := os.Symlink(archiveName, linkPath); err != nil {
		// Non-POSIX filesystems (or restricted sandboxes) may not permit
		// symlinks; fall back to a plain copy so pacman can still fetch
		// the extensionless name.
		data, readErr := os.ReadFile(filepath.Join(archDir, archiveName))
		if readErr != nil {
			return pkgerr.New(pkgerr.KindIO, "dbgen.relink", err)
		}
		if err := os.WriteFile(linkPath, data, 0o644); err != nil {
			return pkgerr.New(pkgerr.KindIO, "dbgen.relink", err)
		}
	}
	return nil
}

// Generate writes <repoName>.db.tar.gz, <repoName>.files.tar.gz, and
// their extensionless symlinks into archDir, reduced to the newest
// version of each package name. Entries whose archive file no longer
// exists on disk are skipped with a warning rather than failing the
// whole generation, since a concurrent delete can race a rebuild.
func Generate(archDir, repoName string, entries []Entry, packagesDir string) error {
	if err := os.MkdirAll(archDir, 0o755); err != nil {
		return pkgerr.New(pkgerr.KindIO, "dbgen.Generate", err)
	}

	latest := LatestPerName(entries)
	var present []Entry
	for _, e := range latest {
		if packagesDir != "" {
			if _, err := os.Stat(filepath.Join(packagesDir, e.Package.Filename)); err != nil {
				logrus.WithField("package", e.Package.Filename).Warn("dbgen: skipping package with missing archive file")
				continue
			}
		}
		present = append(present, e)
	}

	dbArchive := repoName + ".db.tar.gz"
	filesArchive := repoName + ".files.tar.gz"

	if err := writeTarGz(filepath.Join(archDir, dbArchive), present, "desc", generateDesc); err != nil {
		return err
	}
	if err := relink(dbArchive, repoName+".db", archDir); err != nil {
		return err
	}

	if err := writeTarGz(filepath.Join(archDir, filesArchive), present, "files", generateFiles); err != nil {
		return err
	}
	if err := relink(filesArchive, repoName+".files", archDir); err != nil {
		return err
	}

	return nil
}
