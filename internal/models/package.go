// Package models holds the persistent and transient record types shared
// across the repository core: Package, PkgInfo, and the actor's
// RepoArchKey.
package models

import "time"

// Package is the persistent metadata record of an accepted archive.
// Filename must equal "{Name}-{Version}-{Arch}.pkg.tar.zst"; SHA256 must
// match the stored bytes; it is immutable after creation.
type Package struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Arch      string    `json:"arch"`
	Repo      string    `json:"repo"`
	Filename  string    `json:"filename"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpectedFilename returns the canonical filename for this package.
func (p Package) ExpectedFilename() string {
	return p.Name + "-" + p.Version + "-" + p.Arch + ".pkg.tar.zst"
}
