package storage

import (
	"path/filepath"
	"strings"

	"github.com/ralt/pkgrepo/internal/pkgerr"
)

// validateComponent rejects a path component received from the outside
// per spec.md section 4.1: empty, ".", "..", containing '/', '\', or a
// NUL byte.
func validateComponent(op, component string) error {
	if component == "" {
		return pkgerr.Newf(pkgerr.KindInvalidPackage, op, "path component cannot be empty")
	}
	if component == "." || component == ".." {
		return pkgerr.Newf(pkgerr.KindInvalidPackage, op, "invalid path component: %q", component)
	}
	if strings.ContainsAny(component, "/\\") {
		return pkgerr.Newf(pkgerr.KindInvalidPackage, op, "path component cannot contain path separators")
	}
	if strings.ContainsRune(component, 0) {
		return pkgerr.Newf(pkgerr.KindInvalidPackage, op, "path component cannot contain NUL bytes")
	}
	return nil
}

// validateWithinBase verifies that path resolves under base. It compares
// absolute, lexically-cleaned paths rather than resolving symlinks, since
// the leaf usually does not exist yet (the file is about to be created).
// This is safe because every component along the way has already passed
// validateComponent, so no ".." segment can appear in path.
func validateWithinBase(op string, base, path string) error {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return pkgerr.New(pkgerr.KindIO, op, err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return pkgerr.New(pkgerr.KindIO, op, err)
	}

	rel, err := filepath.Rel(absBase, absPath)
	if err != nil {
		return pkgerr.New(pkgerr.KindInvalidPackage, op, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return pkgerr.Newf(pkgerr.KindInvalidPackage, op, "path escapes data root")
	}
	return nil
}
