package models

// PkgInfo is the decoded key/value block from a package's .PKGINFO file.
// Required fields (Pkgname, Pkgver, Arch) are validated by the archive
// decoder before a PkgInfo is ever constructed. List fields preserve
// the order values appeared in the file and may be empty.
type PkgInfo struct {
	Pkgname string
	Pkgver  string
	Arch    string

	Pkgdesc   string
	URL       string
	Builddate string
	Packager  string
	Size      uint64
	HasSize   bool

	License      []string
	Depends      []string
	Optdepends   []string
	Provides     []string
	Conflicts    []string
	Replaces     []string
	Groups       []string
	Backup       []string
	Makedepends  []string
	Checkdepends []string
}

// RepoArchKey identifies one (repo, arch) database the update actor and
// retention engine operate on.
type RepoArchKey struct {
	Repo string
	Arch string
}
