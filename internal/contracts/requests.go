package contracts

import "github.com/ralt/pkgrepo/internal/models"

// ListFilter is the query an adapter builds from GET /api/packages.
type ListFilter struct {
	Name string
	Repo string
	Arch string
}

// DeleteVersionsRequest is the body of POST
// /api/packages/{name}/versions/delete: each entry in Versions is
// tried as a semver range first, then as an exact version string
// (version.MatchesSpec), per spec.md section 4.4.
type DeleteVersionsRequest struct {
	Versions []string
	Repo     string // empty selects the configured default
	Arch     string // empty selects the configured default
}

// CleanupRequest is the body of POST /api/packages/cleanup: Glob is
// matched (path/filepath.Match semantics) against stored package
// names, and the three-slot retention policy (section 4.4) is applied
// to every matched name, deleting only the versions it rejects.
type CleanupRequest struct {
	Glob string
}

// InitiateUploadRequest is the body of POST
// /api/packages/upload/initiate.
type InitiateUploadRequest struct {
	Filename  string
	FileSize  int64
	SHA256    string // optional; "" if the caller doesn't know it yet
	Repo      string
	Arch      string
	ChunkSize int64 // 0 selects config.StorageConfig.ChunkSizeDefault
}

// InitiateUploadResponse is returned on a successful initiate call.
type InitiateUploadResponse struct {
	UploadID    string
	ChunkSize   int64
	TotalChunks int
}

// CompleteUploadResponse is returned once an upload assembles and
// stores successfully.
type CompleteUploadResponse struct {
	Package models.Package
}
