// Package retention implements the three-slot version retention policy
// and the supplemented bulk/range and glob-based deletion operations
// (spec.md section 4.4).
package retention

import (
	"path/filepath"
	"sort"

	"github.com/ralt/pkgrepo/internal/models"
	"github.com/ralt/pkgrepo/internal/pkgerr"
	"github.com/ralt/pkgrepo/internal/version"
	"github.com/sirupsen/logrus"
)

type versioned struct {
	pkg models.Package
	v   version.Version
}

// Plan computes which of packages (all assumed to share one name, repo,
// and arch) should be deleted under the three-slot policy:
//
//  1. current: the newest version overall
//  2. same-minor-latest: the newest version sharing current's major.minor,
//     excluding current itself
//  3. previous-minor-latest: the newest version of major.(minor-1)
//
// Packages are first deduplicated by pkgver, keeping only the highest
// pkgrel of each. A package whose version does not parse as semver is
// never deleted and is logged and left alone, mirroring the original's
// "skip non-semver packages" behavior.
func Plan(packages []models.Package) []models.Package {
	if len(packages) <= 1 {
		return nil
	}

	var parsed []versioned
	for _, pkg := range packages {
		v := version.Parse(pkg.Version)
		if !v.Valid || v.Semver == nil {
			logrus.WithField("package", pkg.Name).WithField("version", pkg.Version).
				Warn("retention: skipping package with non-semver version")
			continue
		}
		parsed = append(parsed, versioned{pkg: pkg, v: v})
	}
	if len(parsed) == 0 {
		return nil
	}

	// Dedupe by pkgver (major.minor.patch), keeping the highest pkgrel.
	type key struct{ major, minor, patch uint64 }
	byPkgver := make(map[key]versioned)
	for _, pv := range parsed {
		k := key{pv.v.Semver.Major(), pv.v.Semver.Minor(), pv.v.Semver.Patch()}
		if existing, ok := byPkgver[k]; !ok || pv.v.Pkgrel > existing.v.Pkgrel {
			byPkgver[k] = pv
		}
	}

	var deduped []versioned
	for _, pv := range byPkgver {
		deduped = append(deduped, pv)
	}

	keep := make(map[string]bool) // by Package.Version string

	if len(deduped) <= 1 {
		for _, pv := range deduped {
			keep[pv.pkg.Version] = true
		}
		return diff(parsed, keep)
	}

	sort.Slice(deduped, func(i, j int) bool {
		return version.Compare(deduped[i].v, deduped[j].v) > 0
	})

	current := deduped[0]
	keep[current.pkg.Version] = true

	currentMajor := current.v.Semver.Major()
	currentMinor := current.v.Semver.Minor()

	for _, pv := range deduped[1:] {
		if pv.v.Semver.Major() == currentMajor && pv.v.Semver.Minor() == currentMinor {
			keep[pv.pkg.Version] = true
			break
		}
	}

	if currentMinor > 0 {
		prevMinor := currentMinor - 1
		for _, pv := range deduped {
			if pv.v.Semver.Major() == currentMajor && pv.v.Semver.Minor() == prevMinor {
				keep[pv.pkg.Version] = true
				break
			}
		}
	}

	return diff(parsed, keep)
}

func diff(parsed []versioned, keep map[string]bool) []models.Package {
	var toDelete []models.Package
	for _, pv := range parsed {
		if !keep[pv.pkg.Version] {
			toDelete = append(toDelete, pv.pkg)
		}
	}
	return toDelete
}

// Store is the subset of storage.Storage retention needs, kept narrow
// so this package has no import-cycle dependency on storage. ListExact
// must return only packages whose arch equals the requested arch
// exactly (no "any" union) - spec.md section 9 resolves retention to run
// per (repo, "any") independently of every concrete arch, since "any"
// packages are union-included into every concrete arch's database but
// their retention fate must not be decided redundantly once per arch.
type Store interface {
	ListExact(repo, arch string) ([]models.Package, error)
	Delete(pkg models.Package) error
}

// Apply lists repo/arch, filters to packageName, runs Plan, and deletes
// everything Plan selected. It returns the deleted packages.
func Apply(store Store, packageName, repo, arch string) ([]models.Package, error) {
	all, err := store.ListExact(repo, arch)
	if err != nil {
		return nil, err
	}

	var named []models.Package
	for _, pkg := range all {
		if pkg.Name == packageName {
			named = append(named, pkg)
		}
	}

	toDelete := Plan(named)
	for _, pkg := range toDelete {
		if err := store.Delete(pkg); err != nil {
			logrus.WithError(err).WithField("package", pkg.Name).WithField("version", pkg.Version).
				Error("retention: failed to delete package during cleanup")
			return nil, err
		}
	}
	return toDelete, nil
}

// DeleteMatching deletes every version of packageName in repo/arch that
// matches any of specs, each tried as a semver range first and an exact
// version string otherwise (spec.md section 4.4, supplemented from the
// bulk-delete endpoint). It fails with pkgerr.KindNotFound if no package
// by that name exists, or if none of specs match anything.
func DeleteMatching(store Store, packageName, repo, arch string, specs []string) ([]models.Package, error) {
	all, err := store.ListExact(repo, arch)
	if err != nil {
		return nil, err
	}

	var named []models.Package
	for _, pkg := range all {
		if pkg.Name == packageName {
			named = append(named, pkg)
		}
	}
	if len(named) == 0 {
		return nil, pkgerr.Newf(pkgerr.KindNotFound, "retention.DeleteMatching", "package not found").WithSubject(packageName)
	}

	toDeleteVersions := make(map[string]bool)
	for _, spec := range specs {
		for _, pkg := range named {
			if version.MatchesSpec(pkg.Version, spec) {
				toDeleteVersions[pkg.Version] = true
			}
		}
	}

	var toDelete []models.Package
	for _, pkg := range named {
		if toDeleteVersions[pkg.Version] {
			toDelete = append(toDelete, pkg)
		}
	}
	if len(toDelete) == 0 {
		return nil, pkgerr.Newf(pkgerr.KindNotFound, "retention.DeleteMatching", "no matching versions found").WithSubject(packageName)
	}

	for _, pkg := range toDelete {
		if err := store.Delete(pkg); err != nil {
			return nil, err
		}
		logrus.WithField("package", pkg.Name).WithField("version", pkg.Version).
			WithField("repo", repo).WithField("arch", arch).Info("retention: deleted package version")
	}
	return toDelete, nil
}

// CleanupMatching runs the three-slot retention policy (Plan) across
// every package name matching glob (path/filepath.Match syntax) instead
// of one name at a time, mirroring
// original_source/src/api/cleanup_policy.rs's apply_cleanup_policy:
// group stored packages by (repo, arch, name), keep only the groups
// whose name matches glob, and delete exactly what Plan rejects within
// each matched group. A name with only one version, or whose versions
// are all kept by the policy, is left untouched.
func CleanupMatching(store interface {
	ListAll() ([]models.Package, error)
	Delete(pkg models.Package) error
}, glob string) ([]models.Package, error) {
	all, err := store.ListAll()
	if err != nil {
		return nil, err
	}

	type groupKey struct{ repo, arch, name string }
	groups := make(map[groupKey][]models.Package)
	for _, pkg := range all {
		k := groupKey{pkg.Repo, pkg.Arch, pkg.Name}
		groups[k] = append(groups[k], pkg)
	}

	var deleted []models.Package
	for key, pkgs := range groups {
		matched, err := filepath.Match(glob, key.name)
		if err != nil {
			return nil, pkgerr.New(pkgerr.KindInvalidPackage, "retention.CleanupMatching", err)
		}
		if !matched {
			continue
		}
		for _, pkg := range Plan(pkgs) {
			if err := store.Delete(pkg); err != nil {
				return nil, err
			}
			logrus.WithField("package", pkg.Name).WithField("version", pkg.Version).
				WithField("repo", pkg.Repo).WithField("arch", pkg.Arch).Info("retention: cleanup deleted package version")
			deleted = append(deleted, pkg)
		}
	}
	return deleted, nil
}
