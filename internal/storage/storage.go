// Package storage implements the path-safe, atomic on-disk layout
// described in spec.md section 4.1:
//
//	<data>/<repo>/packages/<filename>
//	<data>/<repo>/metadata/<filename>.json
//	<data>/<repo>/os/<arch>/<repo>.db[.tar.gz]
//	<data>/<repo>/os/<arch>/<repo>.files[.tar.gz]
//	<data>/.uploads/<upload_id>/...
package storage

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ralt/pkgrepo/internal/models"
	"github.com/ralt/pkgrepo/internal/pkgerr"
	"github.com/ralt/pkgrepo/internal/version"
	"github.com/sirupsen/logrus"
)

// Storage is the root of the on-disk repository layout.
type Storage struct {
	base string
}

// New returns a Storage rooted at base. base need not exist yet.
func New(base string) *Storage {
	return &Storage{base: base}
}

// Base returns the data root.
func (s *Storage) Base() string { return s.base }

func (s *Storage) repoDir(op, repo string) (string, error) {
	if err := validateComponent(op, repo); err != nil {
		return "", err
	}
	p := filepath.Join(s.base, repo)
	if err := validateWithinBase(op, s.base, p); err != nil {
		return "", err
	}
	return p, nil
}

// PackagesDir returns <data>/<repo>/packages.
func (s *Storage) PackagesDir(repo string) (string, error) {
	root, err := s.repoDir("storage.PackagesDir", repo)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "packages"), nil
}

// MetadataDir returns <data>/<repo>/metadata.
func (s *Storage) MetadataDir(repo string) (string, error) {
	root, err := s.repoDir("storage.MetadataDir", repo)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "metadata"), nil
}

// ArchDir returns <data>/<repo>/os/<arch>, the directory pacman fetches
// the generated database archives from.
func (s *Storage) ArchDir(repo, arch string) (string, error) {
	root, err := s.repoDir("storage.ArchDir", repo)
	if err != nil {
		return "", err
	}
	if err := validateComponent("storage.ArchDir", arch); err != nil {
		return "", err
	}
	p := filepath.Join(root, "os", arch)
	if err := validateWithinBase("storage.ArchDir", s.base, p); err != nil {
		return "", err
	}
	return p, nil
}

// PackagePath returns the path of a stored archive file.
func (s *Storage) PackagePath(repo, filename string) (string, error) {
	dir, err := s.PackagesDir(repo)
	if err != nil {
		return "", err
	}
	if err := validateComponent("storage.PackagePath", filename); err != nil {
		return "", err
	}
	p := filepath.Join(dir, filename)
	if err := validateWithinBase("storage.PackagePath", s.base, p); err != nil {
		return "", err
	}
	return p, nil
}

// MetadataPath returns the path of a package's JSON metadata record,
// keyed on the full filename (not the bare package name) so that every
// accepted filename - including multiple versions of the same package
// name - gets its own independent record, per the Package invariant in
// spec.md section 3 ("one record per accepted filename").
func (s *Storage) MetadataPath(repo, filename string) (string, error) {
	dir, err := s.MetadataDir(repo)
	if err != nil {
		return "", err
	}
	if err := validateComponent("storage.MetadataPath", filename); err != nil {
		return "", err
	}
	p := filepath.Join(dir, filename+".json")
	if err := validateWithinBase("storage.MetadataPath", s.base, p); err != nil {
		return "", err
	}
	return p, nil
}

// Store persists pkg's archive bytes and metadata record. The archive
// file is created with O_EXCL semantics so two concurrent stores of the
// same filename cannot both succeed; the loser observes AlreadyExists
// and leaves no partial file behind. The archive is fsynced before the
// metadata JSON is written.
func (s *Storage) Store(pkg models.Package, data []byte) error {
	pkgPath, err := s.PackagePath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}
	metaPath, err := s.MetadataPath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(pkgPath), 0o755); err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.Store", err)
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.Store", err)
	}

	f, err := os.OpenFile(pkgPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return pkgerr.New(pkgerr.KindAlreadyExists, "storage.Store", err).WithSubject(pkg.Filename)
		}
		if os.IsPermission(err) {
			return pkgerr.New(pkgerr.KindPermissionDenied, "storage.Store", err)
		}
		return pkgerr.New(pkgerr.KindIO, "storage.Store", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.Store", err)
	}
	if err := f.Sync(); err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.Store", err)
	}

	return s.writeMetadata(metaPath, pkg)
}

// StoreFromPath moves a pre-assembled file at srcPath into the store,
// as complete() does after chunk assembly. It copies instead of renaming
// when srcPath lives on a different filesystem than the data root. Like
// Store, it rejects when the destination already exists.
func (s *Storage) StoreFromPath(pkg models.Package, srcPath string) error {
	pkgPath, err := s.PackagePath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}
	metaPath, err := s.MetadataPath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(pkgPath), 0o755); err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.StoreFromPath", err)
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.StoreFromPath", err)
	}

	if _, err := os.Stat(pkgPath); err == nil {
		return pkgerr.Newf(pkgerr.KindAlreadyExists, "storage.StoreFromPath", "package already exists").WithSubject(pkg.Filename)
	}

	if err := os.Rename(srcPath, pkgPath); err != nil {
		if linkErr, ok := err.(*os.LinkError); ok && isCrossDevice(linkErr) {
			if err := copyFile(srcPath, pkgPath); err != nil {
				return pkgerr.New(pkgerr.KindIO, "storage.StoreFromPath", err)
			}
			_ = os.Remove(srcPath)
		} else {
			return pkgerr.New(pkgerr.KindIO, "storage.StoreFromPath", err)
		}
	}

	return s.writeMetadata(metaPath, pkg)
}

func (s *Storage) writeMetadata(metaPath string, pkg models.Package) error {
	out, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.writeMetadata", err)
	}
	if err := os.WriteFile(metaPath, out, 0o644); err != nil {
		return pkgerr.New(pkgerr.KindIO, "storage.writeMetadata", err)
	}
	return nil
}

// Load returns the newest (by version.Compare) package record whose
// Name equals name within repo. Since metadata is keyed by filename,
// several versions of one name may be on disk at once (section 4.4's
// retention engine depends on this); callers that need a specific
// version should use List/ListExact and filter themselves.
func (s *Storage) Load(repo, name string) (models.Package, error) {
	dir, err := s.MetadataDir(repo)
	if err != nil {
		return models.Package{}, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Package{}, pkgerr.Newf(pkgerr.KindNotFound, "storage.Load", "package not found").WithSubject(name)
		}
		return models.Package{}, pkgerr.New(pkgerr.KindIO, "storage.Load", err)
	}

	var best *models.Package
	var bestVersion version.Version
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			logrus.WithError(err).WithField("file", e.Name()).Warn("storage: failed to read metadata record")
			continue
		}
		var pkg models.Package
		if err := json.Unmarshal(data, &pkg); err != nil {
			logrus.WithError(err).WithField("file", e.Name()).Warn("storage: failed to parse metadata record")
			continue
		}
		if pkg.Name != name {
			continue
		}
		v := version.Parse(pkg.Version)
		if best == nil || version.Compare(v, bestVersion) > 0 {
			p := pkg
			best = &p
			bestVersion = v
		}
	}
	if best == nil {
		return models.Package{}, pkgerr.Newf(pkgerr.KindNotFound, "storage.Load", "package not found").WithSubject(name)
	}
	return *best, nil
}

// List returns every package in repo whose arch is arch or "any".
func (s *Storage) List(repo, arch string) ([]models.Package, error) {
	dir, err := s.MetadataDir(repo)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerr.New(pkgerr.KindIO, "storage.List", err)
	}

	var out []models.Package
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			logrus.WithError(err).WithField("file", e.Name()).Warn("storage: failed to read metadata record")
			continue
		}
		var pkg models.Package
		if err := json.Unmarshal(data, &pkg); err != nil {
			logrus.WithError(err).WithField("file", e.Name()).Warn("storage: failed to parse metadata record")
			continue
		}
		if pkg.Arch == arch || pkg.Arch == "any" {
			out = append(out, pkg)
		}
	}
	return out, nil
}

// ListExact returns every package in repo whose arch equals arch exactly,
// without the "any" union List applies. Retention decisions use this:
// an "any" package's fate is decided once, independent of every
// concrete arch, rather than being swept into each concrete arch's
// three-slot comparison.
func (s *Storage) ListExact(repo, arch string) ([]models.Package, error) {
	all, err := s.List(repo, arch)
	if err != nil {
		return nil, err
	}
	var out []models.Package
	for _, pkg := range all {
		if pkg.Arch == arch {
			out = append(out, pkg)
		}
	}
	return out, nil
}

// ListAll returns every package across every repo.
func (s *Storage) ListAll() ([]models.Package, error) {
	repos, err := s.ListRepos()
	if err != nil {
		return nil, err
	}
	var out []models.Package
	for _, repo := range repos {
		archs, err := s.ListArchsInRepo(repo)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		for _, arch := range archs {
			pkgs, err := s.List(repo, arch)
			if err != nil {
				return nil, err
			}
			for _, pkg := range pkgs {
				if seen[pkg.Filename] {
					continue
				}
				seen[pkg.Filename] = true
				out = append(out, pkg)
			}
		}
	}
	return out, nil
}

// ListRepos returns the names of every repo directory under the data
// root.
func (s *Storage) ListRepos() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerr.New(pkgerr.KindIO, "storage.ListRepos", err)
	}
	var repos []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != ".uploads" {
			repos = append(repos, e.Name())
		}
	}
	return repos, nil
}

// ListArchsInRepo returns the architecture directories under
// <repo>/os, plus every arch recorded in the repo's metadata records.
func (s *Storage) ListArchsInRepo(repo string) ([]string, error) {
	root, err := s.repoDir("storage.ListArchsInRepo", repo)
	if err != nil {
		return nil, err
	}
	osDir := filepath.Join(root, "os")
	entries, err := os.ReadDir(osDir)
	seen := make(map[string]bool)
	var archs []string
	if err == nil {
		for _, e := range entries {
			if e.IsDir() && !seen[e.Name()] {
				seen[e.Name()] = true
				archs = append(archs, e.Name())
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, pkgerr.New(pkgerr.KindIO, "storage.ListArchsInRepo", err)
	}

	metaDir := filepath.Join(root, "metadata")
	metaEntries, err := os.ReadDir(metaDir)
	if err == nil {
		for _, e := range metaEntries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(metaDir, e.Name()))
			if err != nil {
				continue
			}
			var pkg models.Package
			if json.Unmarshal(data, &pkg) == nil && pkg.Arch != "" && !seen[pkg.Arch] {
				seen[pkg.Arch] = true
				archs = append(archs, pkg.Arch)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, pkgerr.New(pkgerr.KindIO, "storage.ListArchsInRepo", err)
	}

	return archs, nil
}

// Delete removes pkg's archive and metadata record. Missing files are
// tolerated.
func (s *Storage) Delete(pkg models.Package) error {
	pkgPath, err := s.PackagePath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}
	metaPath, err := s.MetadataPath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}
	if err := os.Remove(pkgPath); err != nil && !os.IsNotExist(err) {
		return pkgerr.New(pkgerr.KindIO, "storage.Delete", err)
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return pkgerr.New(pkgerr.KindIO, "storage.Delete", err)
	}
	return nil
}

// Exists reports whether a package archive is present on disk.
func (s *Storage) Exists(repo, filename string) (bool, error) {
	p, err := s.PackagePath(repo, filename)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, pkgerr.New(pkgerr.KindIO, "storage.Exists", err)
}

// Reconcile walks repo's metadata records and reports (without
// deleting) any whose archive file is missing on disk - an "orphaned
// metadata" record left by a prior crash. Startup may call this per
// repo and log the result; it never fails the whole process.
func (s *Storage) Reconcile(repo string) ([]string, error) {
	archs, err := s.ListArchsInRepo(repo)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var orphans []string
	for _, arch := range archs {
		pkgs, err := s.List(repo, arch)
		if err != nil {
			return nil, err
		}
		for _, pkg := range pkgs {
			if seen[pkg.Filename] {
				continue
			}
			seen[pkg.Filename] = true
			exists, err := s.Exists(repo, pkg.Filename)
			if err != nil {
				logrus.WithError(err).WithField("package", pkg.Filename).Warn("storage: reconcile check failed")
				continue
			}
			if !exists {
				logrus.WithField("package", pkg.Filename).WithField("repo", repo).Warn("storage: orphaned metadata, archive missing on disk")
				orphans = append(orphans, pkg.Filename)
			}
		}
	}
	return orphans, nil
}

func isCrossDevice(e *os.LinkError) bool {
	return strings.Contains(strings.ToLower(e.Err.Error()), "cross-device")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
