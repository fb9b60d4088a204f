// Package home resolves scribe's on-disk layout under ~/.scribe.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the scribe home directory.
	DefaultDirName = ".scribe"

	// CheckpointsDirName holds the filesystem checkpoint backend.
	CheckpointsDirName = "checkpoints"

	// ManuscriptsDirName holds exported manuscripts.
	ManuscriptsDirName = "manuscripts"

	// DatabaseFileName is the SQLite database used by the sqlite backend.
	DatabaseFileName = "scribe.db"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the scribe home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.scribe).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}
	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// CheckpointsPath returns the filesystem checkpoint root.
func (d *Dir) CheckpointsPath() string {
	return filepath.Join(d.path, CheckpointsDirName)
}

// DatabasePath returns the SQLite database file.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// ManuscriptsPath returns the directory finished manuscripts are written to.
func (d *Dir) ManuscriptsPath() string {
	return filepath.Join(d.path, ManuscriptsDirName)
}

// ManuscriptPath returns the markdown file for a job's manuscript.
func (d *Dir) ManuscriptPath(jobID string) string {
	return filepath.Join(d.ManuscriptsPath(), jobID+".md")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.CheckpointsPath(), d.ManuscriptsPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
