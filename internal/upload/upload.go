// Package upload implements the chunked, resumable upload session
// engine of spec.md section 4.6: a session tracks which chunks of a
// package archive have arrived, validates each chunk's size, and
// assembles the final file once every chunk is present, verifying its
// total size and SHA-256 before handing it to storage.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ralt/pkgrepo/internal/archive"
	"github.com/ralt/pkgrepo/internal/pkgerr"
	"github.com/sirupsen/logrus"
)

// packageSuffix is the only filename suffix initiate() accepts, per
// spec.md section 4.6.
const packageSuffix = ".pkg.tar.zst"

// DefaultChunkSize is the chunk size assumed when a caller does not
// specify one: 1 MiB.
const DefaultChunkSize = 1024 * 1024

// DefaultSessionTTL is how long after creation a session is kept before
// it is considered expired and eligible for cleanup; chunk activity does
// not extend it.
const DefaultSessionTTL = 24 * time.Hour

// Session tracks one in-progress chunked upload.
type Session struct {
	UploadID    string    `json:"upload_id"`
	Filename    string    `json:"filename"`
	FileSize    int64     `json:"file_size"`
	SHA256      string    `json:"sha256,omitempty"`
	Repo        string    `json:"repo"`
	Arch        string    `json:"arch"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	uploaded map[int]bool
}

// IsExpired reports whether now is past the session's expiry.
func (s *Session) IsExpired(now time.Time) bool { return now.After(s.ExpiresAt) }

// IsComplete reports whether every chunk 1..TotalChunks has arrived.
func (s *Session) IsComplete() bool {
	if len(s.uploaded) != s.TotalChunks {
		return false
	}
	for n := 1; n <= s.TotalChunks; n++ {
		if !s.uploaded[n] {
			return false
		}
	}
	return true
}

// MissingChunks lists the chunk numbers not yet received, in order.
func (s *Session) MissingChunks() []int {
	var missing []int
	for n := 1; n <= s.TotalChunks; n++ {
		if !s.uploaded[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

func totalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	n := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		n++
	}
	return int(n)
}

// Store is the in-memory + on-disk session table: one staging directory
// per upload_id under <data>/.uploads/<upload_id>/chunks/.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	baseDir  string
}

// NewStore returns a Store staging uploads under baseDir/.uploads.
func NewStore(baseDir string) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		baseDir:  baseDir,
	}
}

func (s *Store) uploadsRoot() string {
	return filepath.Join(s.baseDir, ".uploads")
}

func (s *Store) uploadDir(uploadID string) string {
	return filepath.Join(s.uploadsRoot(), uploadID)
}

func (s *Store) chunkPath(uploadID string, chunkNumber int) string {
	return filepath.Join(s.uploadDir(uploadID), "chunks", fmt.Sprintf("chunk_%03d", chunkNumber))
}

// Create starts a new session for an upload of the given filename,
// size, and optional expected SHA-256 ("" if unknown), staged under
// repo/arch with chunkSize-byte chunks (0 selects DefaultChunkSize).
// It enforces initiate()'s preconditions (spec.md section 4.6):
// filename must end in ".pkg.tar.zst", fileSize must be positive and
// not exceed maxPayloadSize (0 disables the payload-size check), and
// the resolved chunk size must not exceed fileSize.
func (s *Store) Create(filename string, fileSize int64, expectedSHA256, repo, arch string, chunkSize int64, ttl time.Duration, maxPayloadSize int64) (*Session, error) {
	if !strings.HasSuffix(filename, packageSuffix) {
		return nil, pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.Create", "filename %q must end in %q", filename, packageSuffix)
	}
	if fileSize <= 0 {
		return nil, pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.Create", "file_size must be positive")
	}
	if maxPayloadSize > 0 && fileSize > maxPayloadSize {
		return nil, pkgerr.Newf(pkgerr.KindPayloadTooLarge, "upload.Create", "declared size %d exceeds max payload size %d", fileSize, maxPayloadSize).WithSubject(filename)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize > fileSize {
		return nil, pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.Create", "chunk_size %d exceeds file_size %d", chunkSize, fileSize)
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now()
	sess := &Session{
		UploadID:    uuid.NewString(),
		Filename:    filename,
		FileSize:    fileSize,
		SHA256:      expectedSHA256,
		Repo:        repo,
		Arch:        arch,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks(fileSize, chunkSize),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		uploaded:    make(map[int]bool),
	}

	chunksDir := filepath.Join(s.uploadDir(sess.UploadID), "chunks")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, pkgerr.New(pkgerr.KindIO, "upload.Create", err)
	}
	if err := s.writeMetadata(sess); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.UploadID] = sess
	s.mu.Unlock()

	return sess, nil
}

func (s *Store) writeMetadata(sess *Session) error {
	out, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return pkgerr.New(pkgerr.KindIO, "upload.writeMetadata", err)
	}
	path := filepath.Join(s.uploadDir(sess.UploadID), "metadata.json")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return pkgerr.New(pkgerr.KindIO, "upload.writeMetadata", err)
	}
	return nil
}

// Get returns the session for uploadID.
func (s *Store) Get(uploadID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		return nil, pkgerr.Newf(pkgerr.KindNotFound, "upload.Get", "upload session not found").WithSubject(uploadID)
	}
	return sess, nil
}

// StoreChunk validates and persists chunk data as chunkNumber (1-based)
// of uploadID's session, returning the chunk's MD5 checksum as a
// wire-corruption check. Every chunk but the last must equal the
// session's chunk_size exactly; the last may be shorter.
func (s *Store) StoreChunk(uploadID string, chunkNumber int, data []byte) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[uploadID]
	if !ok {
		s.mu.Unlock()
		return "", pkgerr.Newf(pkgerr.KindNotFound, "upload.StoreChunk", "upload session not found").WithSubject(uploadID)
	}

	if chunkNumber < 1 || chunkNumber > sess.TotalChunks {
		s.mu.Unlock()
		return "", pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.StoreChunk", "chunk number %d out of range (1-%d)", chunkNumber, sess.TotalChunks)
	}

	var expectedSize int64
	if chunkNumber < sess.TotalChunks {
		expectedSize = sess.ChunkSize
	} else {
		last := sess.FileSize % sess.ChunkSize
		if last == 0 {
			expectedSize = sess.ChunkSize
		} else {
			expectedSize = last
		}
	}
	if int64(len(data)) != expectedSize {
		s.mu.Unlock()
		return "", pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.StoreChunk", "chunk %d size mismatch: expected %d, got %d", chunkNumber, expectedSize, len(data))
	}
	s.mu.Unlock()

	path := s.chunkPath(uploadID, chunkNumber)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", pkgerr.New(pkgerr.KindIO, "upload.StoreChunk", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", pkgerr.New(pkgerr.KindIO, "upload.StoreChunk", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", pkgerr.New(pkgerr.KindIO, "upload.StoreChunk", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", pkgerr.New(pkgerr.KindIO, "upload.StoreChunk", err)
	}
	f.Close()

	checksum := archive.MD5Hex(data)

	s.mu.Lock()
	sess.uploaded[chunkNumber] = true
	s.mu.Unlock()
	if err := s.writeMetadata(sess); err != nil {
		return "", err
	}

	return checksum, nil
}

// StoreSignature persists an optional detached signature file alongside
// an upload, returning its SHA-256.
func (s *Store) StoreSignature(uploadID string, data []byte) (string, error) {
	if _, err := s.Get(uploadID); err != nil {
		return "", err
	}
	path := filepath.Join(s.uploadDir(uploadID), "signature.sig")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", pkgerr.New(pkgerr.KindIO, "upload.StoreSignature", err)
	}
	return archive.SHA256Hex(data), nil
}

// Assemble streams every chunk of a complete session into a single
// file in upload order, verifying total size and (if the session
// carries an expected SHA-256) the whole-archive checksum. It returns
// the assembled file's path; the caller is expected to move or copy it
// into storage and then call Delete.
func (s *Store) Assemble(uploadID string) (string, error) {
	sess, err := s.Get(uploadID)
	if err != nil {
		return "", err
	}
	if !sess.IsComplete() {
		return "", pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.Assemble", "upload incomplete, missing chunks %v", sess.MissingChunks())
	}

	assembledPath := filepath.Join(s.uploadDir(uploadID), "assembled.pkg.tar.zst")
	out, err := os.Create(assembledPath)
	if err != nil {
		return "", pkgerr.New(pkgerr.KindIO, "upload.Assemble", err)
	}
	defer out.Close()

	hasher := sha256.New()
	var total int64
	for n := 1; n <= sess.TotalChunks; n++ {
		chunk, err := os.ReadFile(s.chunkPath(uploadID, n))
		if err != nil {
			return "", pkgerr.New(pkgerr.KindIO, "upload.Assemble", err)
		}
		hasher.Write(chunk)
		if _, err := out.Write(chunk); err != nil {
			return "", pkgerr.New(pkgerr.KindIO, "upload.Assemble", err)
		}
		total += int64(len(chunk))
	}
	if err := out.Sync(); err != nil {
		return "", pkgerr.New(pkgerr.KindIO, "upload.Assemble", err)
	}

	if total != sess.FileSize {
		return "", pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.Assemble", "assembled size mismatch: expected %d, got %d", sess.FileSize, total)
	}

	if sess.SHA256 != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if actual != sess.SHA256 {
			return "", pkgerr.Newf(pkgerr.KindInvalidPackage, "upload.Assemble", "checksum mismatch: expected %s, got %s", sess.SHA256, actual)
		}
	}

	return assembledPath, nil
}

// Delete removes uploadID's staging directory and session entry. It
// returns bytes freed for diagnostics.
func (s *Store) Delete(uploadID string) (int64, error) {
	dir := s.uploadDir(uploadID)
	var freed int64
	if entries, err := os.ReadDir(filepath.Join(dir, "chunks")); err == nil {
		for _, e := range entries {
			if info, err := e.Info(); err == nil {
				freed += info.Size()
			}
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, pkgerr.New(pkgerr.KindIO, "upload.Delete", err)
	}

	s.mu.Lock()
	delete(s.sessions, uploadID)
	s.mu.Unlock()

	return freed, nil
}

// CleanupExpired deletes every session whose expiry has passed as of
// now, logging (not failing) on any individual delete error.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.RLock()
	var expired []string
	for id, sess := range s.sessions {
		if sess.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range expired {
		if _, err := s.Delete(id); err != nil {
			logrus.WithError(err).WithField("upload_id", id).Warn("upload: failed to clean up expired session")
		}
	}
	return expired
}

// PurgeStaging removes every staging directory under .uploads that has
// no corresponding in-memory session - leftovers from a prior crash
// between session creation and graceful shutdown. Call once at
// startup, before CleanupExpired has anything to look at.
func (s *Store) PurgeStaging() error {
	entries, err := os.ReadDir(s.uploadsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pkgerr.New(pkgerr.KindIO, "upload.PurgeStaging", err)
	}

	s.mu.RLock()
	known := make(map[string]bool, len(s.sessions))
	for id := range s.sessions {
		known[id] = true
	}
	s.mu.RUnlock()

	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		path := filepath.Join(s.uploadsRoot(), e.Name())
		if err := os.RemoveAll(path); err != nil {
			logrus.WithError(err).WithField("path", path).Warn("upload: failed to purge orphaned staging directory")
			continue
		}
		logrus.WithField("upload_id", e.Name()).Info("upload: purged orphaned staging directory")
	}
	return nil
}

// GetSignature returns the detached signature bytes stored for
// uploadID, or nil if none was stored.
func (s *Store) GetSignature(uploadID string) ([]byte, error) {
	path := filepath.Join(s.uploadDir(uploadID), "signature.sig")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, pkgerr.New(pkgerr.KindIO, "upload.GetSignature", err)
	}
	return data, nil
}
