// Package config holds the named configuration options of spec.md
// section 6, with the defaults the teacher ships and
// original_source/src/config.rs carries for the same fields. Loading
// from a file or environment is an adapter concern; this package only
// defines the shape and its defaults/validation.
package config

import (
	"time"

	"github.com/ralt/pkgrepo/internal/pkgerr"
)

// Config is the full set of options a running repository core needs.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Auth    *AuthConfig // nil disables authentication entirely
}

// ServerConfig describes the adapter's listen address and payload
// limits - the core never opens a socket itself, but validates uploads
// against MaxPayloadSize.
type ServerConfig struct {
	Host           string
	Port           uint16
	MaxPayloadSize int64
}

// StorageConfig describes on-disk layout defaults and the cleanup and
// upload-session timing the core uses.
type StorageConfig struct {
	DataPath           string
	DefaultRepo        string
	DefaultArch        string
	AutoCleanupEnabled bool
	ChunkSizeDefault   int64
	SessionTTL         time.Duration
	CleanupInterval    time.Duration
	DBDebounce         time.Duration
}

// AuthConfig carries the JWT secret and issuer the contracts package
// validates tokens against, plus the allowlist the adapter checks a
// validated token's subject against before allowing a mutation.
type AuthConfig struct {
	ClientID      string
	Allowlist     []string
	JWTSecret     string
	JWTExpiration time.Duration
	Issuer        string
}

// Allowed reports whether username appears in the allowlist. An empty
// allowlist denies everyone, matching the adapter's "reject unless
// explicitly listed" policy from spec.md section 6.
func (a AuthConfig) Allowed(username string) bool {
	for _, u := range a.Allowlist {
		if u == username {
			return true
		}
	}
	return false
}

// Default returns the configuration the teacher's and original's
// defaults would produce in this repository's domain.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           3000,
			MaxPayloadSize: 512 * 1024 * 1024, // 512 MiB
		},
		Storage: StorageConfig{
			DataPath:           "./data",
			DefaultRepo:        "main",
			DefaultArch:        "x86_64",
			AutoCleanupEnabled: true,
			ChunkSizeDefault:   1024 * 1024, // 1 MiB
			SessionTTL:         24 * time.Hour,
			CleanupInterval:    time.Hour,
			DBDebounce:         10 * time.Second,
		},
	}
}

// Validate checks the fields a core operation depends on, in the
// teacher's validateConfig idiom: collect the first broken invariant
// and return it wrapped in a Config-kind error.
func (c Config) Validate() error {
	const op = "config.Validate"
	if c.Storage.DataPath == "" {
		return pkgerr.Newf(pkgerr.KindConfig, op, "storage.data_path is required")
	}
	if c.Storage.DefaultRepo == "" {
		return pkgerr.Newf(pkgerr.KindConfig, op, "storage.default_repo is required")
	}
	if c.Storage.DefaultArch == "" {
		return pkgerr.Newf(pkgerr.KindConfig, op, "storage.default_arch is required")
	}
	if c.Storage.ChunkSizeDefault <= 0 {
		return pkgerr.Newf(pkgerr.KindConfig, op, "storage.chunk_size_default must be positive")
	}
	if c.Server.MaxPayloadSize <= 0 {
		return pkgerr.Newf(pkgerr.KindConfig, op, "server.max_payload_size must be positive")
	}
	if c.Auth != nil {
		if c.Auth.JWTSecret == "" {
			return pkgerr.Newf(pkgerr.KindConfig, op, "auth.jwt_secret is required when auth is enabled")
		}
		if c.Auth.Issuer == "" {
			return pkgerr.Newf(pkgerr.KindConfig, op, "auth.issuer is required when auth is enabled")
		}
	}
	return nil
}
