// Package service composes storage, upload, retention, and dbgen into
// the operations an adapter (HTTP handler or CLI command) calls,
// mirroring the role original_source/src/api/mod.rs's AppState and
// handlers play, generalized away from any particular transport.
package service

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/ralt/pkgrepo/internal/archive"
	"github.com/ralt/pkgrepo/internal/config"
	"github.com/ralt/pkgrepo/internal/contracts"
	"github.com/ralt/pkgrepo/internal/dbactor"
	"github.com/ralt/pkgrepo/internal/dbgen"
	"github.com/ralt/pkgrepo/internal/models"
	"github.com/ralt/pkgrepo/internal/pkgerr"
	"github.com/ralt/pkgrepo/internal/retention"
	"github.com/ralt/pkgrepo/internal/storage"
	"github.com/ralt/pkgrepo/internal/upload"
	"github.com/ralt/pkgrepo/internal/workerpool"
	"github.com/sirupsen/logrus"
)

// Service is the wired-together core: one per running process.
type Service struct {
	Config  config.Config
	Storage *storage.Storage
	Uploads *upload.Store
	actor   *dbactor.Actor
	Actor   dbactor.Handle
	pool    *workerpool.Pool
}

// New wires a Service from cfg. It does not start the db actor's
// goroutine - call Run in its own goroutine once the caller is ready.
func New(cfg config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := storage.New(cfg.Storage.DataPath)
	up := upload.NewStore(cfg.Storage.DataPath)

	svc := &Service{
		Config:  cfg,
		Storage: st,
		Uploads: up,
		pool:    workerpool.New(runtime.NumCPU()),
	}

	actor, handle := dbactor.NewWithDebounce(svc.regenerate, cfg.Storage.DBDebounce)
	svc.actor = actor
	svc.Actor = handle

	return svc, nil
}

// Run starts the db update actor loop; call in its own goroutine.
func (s *Service) Run() { s.actor.Run() }

// Done reports when the actor has finished flushing after Shutdown.
func (s *Service) Done() <-chan struct{} { return s.actor.Done() }

// Bootstrap purges orphaned upload staging directories and reconciles
// metadata against on-disk archives for every repo, logging (never
// failing) on anything it finds. Call once at process start.
func (s *Service) Bootstrap() error {
	if err := s.Uploads.PurgeStaging(); err != nil {
		return err
	}
	repos, err := s.Storage.ListRepos()
	if err != nil {
		return err
	}
	for _, repo := range repos {
		if _, err := s.Storage.Reconcile(repo); err != nil {
			return err
		}
	}
	return nil
}

// InitiateUpload starts a chunked upload session, enforcing
// config.Server.MaxPayloadSize against the declared file size and
// resolving repo/arch/chunk size/TTL defaults from config.Storage when
// the request leaves them unset.
func (s *Service) InitiateUpload(req contracts.InitiateUploadRequest) (contracts.InitiateUploadResponse, error) {
	repo := req.Repo
	if repo == "" {
		repo = s.Config.Storage.DefaultRepo
	}
	arch := req.Arch
	if arch == "" {
		arch = s.Config.Storage.DefaultArch
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.Config.Storage.ChunkSizeDefault
	}

	sess, err := s.Uploads.Create(req.Filename, req.FileSize, req.SHA256, repo, arch, chunkSize, s.Config.Storage.SessionTTL, s.Config.Server.MaxPayloadSize)
	if err != nil {
		return contracts.InitiateUploadResponse{}, err
	}

	return contracts.InitiateUploadResponse{
		UploadID:    sess.UploadID,
		ChunkSize:   sess.ChunkSize,
		TotalChunks: sess.TotalChunks,
	}, nil
}

// CompleteUpload assembles uploadID's chunks, decodes the archive's
// .PKGINFO, stores the package under the canonical filename built from
// it (the filename declared at initiate time is not compared), cleans
// up the upload's staging directory, and requests a debounced DB
// rebuild. A retention
// or rebuild failure is logged and does not fail the upload - the
// package is already durable, per spec.md section 7.
func (s *Service) CompleteUpload(uploadID string) (models.Package, error) {
	sess, err := s.Uploads.Get(uploadID)
	if err != nil {
		return models.Package{}, err
	}

	// Assembling streams every chunk through a whole-archive SHA-256; run
	// it on the worker pool so it can't starve other goroutines' I/O.
	var assembledPath string
	if err := s.pool.Run(context.Background(), func() error {
		var assembleErr error
		assembledPath, assembleErr = s.Uploads.Assemble(uploadID)
		return assembleErr
	}); err != nil {
		return models.Package{}, err
	}

	data, err := os.ReadFile(assembledPath)
	if err != nil {
		return models.Package{}, pkgerr.New(pkgerr.KindIO, "service.CompleteUpload", err)
	}

	var info models.PkgInfo
	if err := s.pool.Run(context.Background(), func() error {
		var infoErr error
		info, infoErr = archive.ExtractPkgInfo(data)
		return infoErr
	}); err != nil {
		return models.Package{}, err
	}

	pkg := models.Package{
		Name:      info.Pkgname,
		Version:   info.Pkgver,
		Arch:      info.Arch,
		Repo:      sess.Repo,
		Filename:  info.Pkgname + "-" + info.Pkgver + "-" + info.Arch + ".pkg.tar.zst",
		SHA256:    archive.SHA256Hex(data),
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}

	if exists, err := s.Storage.Exists(pkg.Repo, pkg.Filename); err != nil {
		return models.Package{}, err
	} else if exists {
		return models.Package{}, pkgerr.Newf(pkgerr.KindAlreadyExists, "service.CompleteUpload", "package already exists").WithSubject(pkg.Filename)
	}

	if err := s.Storage.StoreFromPath(pkg, assembledPath); err != nil {
		return models.Package{}, err
	}

	if _, err := s.Uploads.Delete(uploadID); err != nil {
		return models.Package{}, err
	}

	s.Actor.RequestUpdate(pkg.Repo, pkg.Arch)

	if s.Config.Storage.AutoCleanupEnabled {
		if _, err := retention.Apply(s.Storage, pkg.Name, pkg.Repo, pkg.Arch); err != nil {
			// A cleanup failure never fails the upload, the package is
			// already durable.
			logrus.WithError(err).WithField("package", pkg.Name).WithField("repo", pkg.Repo).
				WithField("arch", pkg.Arch).Warn("service: retention after upload failed")
		}
	}

	return pkg, nil
}

// DeletePackage loads and deletes one package by name, then requests a
// debounced rebuild.
func (s *Service) DeletePackage(name, repo, arch string) error {
	pkg, err := s.Storage.Load(repo, name)
	if err != nil {
		return err
	}
	if err := s.Storage.Delete(pkg); err != nil {
		return err
	}
	s.Actor.RequestUpdate(repo, arch)
	return nil
}

// DeleteVersions bulk-deletes package versions matching specs, then
// requests a rebuild.
func (s *Service) DeleteVersions(name, repo, arch string, specs []string) ([]models.Package, error) {
	deleted, err := retention.DeleteMatching(s.Storage, name, repo, arch, specs)
	if err != nil {
		return nil, err
	}
	s.Actor.RequestUpdate(repo, arch)
	return deleted, nil
}

// Cleanup runs the three-slot retention policy across every package
// name matching glob, across all repos, deleting only the versions it
// rejects and requesting a rebuild for each affected repo/arch.
func (s *Service) Cleanup(glob string) ([]models.Package, error) {
	deleted, err := retention.CleanupMatching(s.Storage, glob)
	if err != nil {
		return nil, err
	}
	seen := make(map[models.RepoArchKey]bool)
	for _, pkg := range deleted {
		key := models.RepoArchKey{Repo: pkg.Repo, Arch: pkg.Arch}
		if !seen[key] {
			seen[key] = true
			s.Actor.RequestUpdate(pkg.Repo, pkg.Arch)
		}
	}
	return deleted, nil
}

// ForceRebuild bypasses the debounce window and rebuilds repo/arch's
// database immediately.
func (s *Service) ForceRebuild(repo, arch string) {
	s.Actor.ForceRebuild(repo, arch)
}

// regenerate is the dbactor.Regenerator this service wires in: list
// repo/arch's packages, decode each one's .PKGINFO, and hand the pairs
// to dbgen.
func (s *Service) regenerate(key models.RepoArchKey) error {
	pkgs, err := s.Storage.List(key.Repo, key.Arch)
	if err != nil {
		return err
	}

	packagesDir, err := s.Storage.PackagesDir(key.Repo)
	if err != nil {
		return err
	}

	entries := make([]dbgen.Entry, 0, len(pkgs))
	for _, pkg := range pkgs {
		pkgPath, err := s.Storage.PackagePath(pkg.Repo, pkg.Filename)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(pkgPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return pkgerr.New(pkgerr.KindIO, "service.regenerate", err)
		}
		var info models.PkgInfo
		if err := s.pool.Run(context.Background(), func() error {
			var infoErr error
			info, infoErr = archive.ExtractPkgInfo(data)
			return infoErr
		}); err != nil {
			return err
		}
		entries = append(entries, dbgen.Entry{Package: pkg, Info: info})
	}

	archDir, err := s.Storage.ArchDir(key.Repo, key.Arch)
	if err != nil {
		return err
	}

	// Tar+gzip encoding of both archives is CPU-bound; run it on the pool.
	return s.pool.Run(context.Background(), func() error {
		return dbgen.Generate(archDir, key.Repo, entries, packagesDir)
	})
}
