// Package repo opens the .mx/ data directory and wires the object store,
// the chunked reference store and the snapshot log together.
package repo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/systemshift/memex-refs/internal/objid"
	"github.com/systemshift/memex-refs/internal/odb"
	"github.com/systemshift/memex-refs/internal/refs"
	"github.com/systemshift/memex-refs/internal/snapshots"
)

const (
	// DirName is the data directory inside the repository root.
	DirName = ".mx"

	configVersion = 1
)

// Config is persisted as .mx/config.json when the repository is created.
type Config struct {
	Version           int    `json:"version"`
	Created           string `json:"created"`
	HashAlgorithm     string `json:"hashAlgorithm"`
	LockTimeoutMillis int    `json:"lockTimeoutMillis"`
}

// Options override or seed the configuration.
type Options struct {
	// HashAlgorithm is used when creating a repository; opening an
	// existing one with a different algorithm fails. Empty means the
	// existing setting, or sha256 for a new repository.
	HashAlgorithm string
	// LockTimeout overrides the configured lock timeout when nonzero.
	LockTimeout time.Duration
}

// Repository is the top-level facade for one data directory.
type Repository struct {
	root      string
	Config    Config
	Algo      objid.Algo
	Objects   *odb.Store
	Refs      *refs.Store
	Snapshots *snapshots.Log
}

// Open opens or creates a repository at root.
func Open(root string, opts Options) (*Repository, error) {
	mxDir := filepath.Join(root, DirName)

	// Ensure directory structure
	for _, dir := range []string{mxDir, filepath.Join(mxDir, "objects")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create dir %s", dir)
		}
	}

	cfg, err := loadConfig(filepath.Join(mxDir, "config.json"), opts)
	if err != nil {
		return nil, err
	}
	algo, err := objid.AlgoByName(cfg.HashAlgorithm)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}

	objects, err := odb.NewStore(filepath.Join(mxDir, "objects"), algo)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.LockTimeoutMillis) * time.Millisecond
	if opts.LockTimeout != 0 {
		timeout = opts.LockTimeout
	}
	store, err := refs.New(mxDir, refs.Options{Algo: algo, Objects: objects, LockTimeout: timeout})
	if err != nil {
		return nil, err
	}

	snaps, err := snapshots.Open(filepath.Join(mxDir, "snapshots", "self"), store)
	if err != nil {
		store.Close()
		return nil, err
	}

	log.Debugf("repo: opened %s (%s, lock timeout %s)", mxDir, algo, timeout)
	return &Repository{
		root:      root,
		Config:    cfg,
		Algo:      algo,
		Objects:   objects,
		Refs:      store,
		Snapshots: snaps,
	}, nil
}

// MxDir returns the path to the .mx/ data directory.
func (r *Repository) MxDir() string {
	return filepath.Join(r.root, DirName)
}

// Close releases the reference store's snapshot and any lock it holds.
func (r *Repository) Close() error {
	return r.Refs.Close()
}

func loadConfig(path string, opts Options) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Config{
			Version:           configVersion,
			Created:           time.Now().UTC().Format(time.RFC3339),
			HashAlgorithm:     objid.SHA256.Name,
			LockTimeoutMillis: int(refs.DefaultLockTimeout / time.Millisecond),
		}
		if opts.HashAlgorithm != "" {
			cfg.HashAlgorithm = opts.HashAlgorithm
		}
		if _, err := objid.AlgoByName(cfg.HashAlgorithm); err != nil {
			return Config{}, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		if err := renameio.WriteFile(path, append(out, '\n'), 0644); err != nil {
			return Config{}, errors.Wrap(err, "write config")
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	if cfg.Version != configVersion {
		return Config{}, errors.Errorf("%s: unsupported version %d", path, cfg.Version)
	}
	if opts.HashAlgorithm != "" && opts.HashAlgorithm != cfg.HashAlgorithm {
		return Config{}, errors.Errorf("repository uses %s, not %s", cfg.HashAlgorithm, opts.HashAlgorithm)
	}
	return cfg, nil
}
