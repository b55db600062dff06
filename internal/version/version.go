// Package version implements Arch Linux package version algebra:
// [epoch:]pkgver-pkgrel parsing, comparison, and semver-range matching.
package version

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a parsed [epoch:]pkgver-pkgrel string. Semver is nil when
// the pkgver portion did not parse as major.minor.patch; callers that
// need the full 4-tuple compare should check Semver != nil first.
type Version struct {
	Raw    string
	Epoch  uint64
	Semver *semver.Version
	Pkgrel uint64
	Valid  bool
}

// Parse splits raw into epoch, pkgver, and pkgrel per spec.md section
// 4.3. It never errors: an unparseable string comes back with Valid
// false so callers can fall back to byte-lexicographic comparison.
func Parse(raw string) Version {
	rest := raw
	var epoch uint64
	if idx := strings.Index(rest, ":"); idx >= 0 {
		e, err := strconv.ParseUint(rest[:idx], 10, 64)
		if err != nil {
			return Version{Raw: raw}
		}
		epoch = e
		rest = rest[idx+1:]
	}

	lastDash := strings.LastIndex(rest, "-")
	if lastDash < 0 {
		return Version{Raw: raw}
	}
	pkgverStr := rest[:lastDash]
	pkgrelStr := rest[lastDash+1:]

	pkgrel, err := strconv.ParseUint(pkgrelStr, 10, 64)
	if err != nil {
		return Version{Raw: raw}
	}

	sv, err := semver.StrictNewVersion(pkgverStr)
	if err != nil {
		return Version{Raw: raw}
	}

	return Version{
		Raw:    raw,
		Epoch:  epoch,
		Semver: sv,
		Pkgrel: pkgrel,
		Valid:  true,
	}
}

// Compare returns -1, 0, or 1 ordering a before b. When both parse, it
// compares the (epoch, semver, pkgrel) tuple lexicographically. When
// either fails to parse, it falls back to a byte-lexicographic compare
// of the raw strings so ordering stays total.
func Compare(a, b Version) int {
	if !a.Valid || !b.Valid {
		return strings.Compare(a.Raw, b.Raw)
	}
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if c := a.Semver.Compare(b.Semver); c != 0 {
		return c
	}
	if a.Pkgrel != b.Pkgrel {
		if a.Pkgrel < b.Pkgrel {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b Version) bool { return Compare(a, b) < 0 }

// MatchesSpec reports whether raw (an Arch version string) satisfies
// spec, per spec.md section 4.3's range-matching rule: spec is first
// tried as a semver range expression (e.g. "^1.0.0", ">=1.0.0, <2.0.0");
// if that fails to parse, spec is treated as an exact version string.
func MatchesSpec(raw, spec string) bool {
	if constraint, err := semver.NewConstraint(spec); err == nil {
		v := Parse(raw)
		if v.Valid {
			return constraint.Check(v.Semver)
		}
		return false
	}
	return raw == spec
}
