package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFS names filesystems on which flock and SQLite's own locking cannot
// be trusted.
var remoteFS = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// RemoteFilesystemError is returned when a worker database would live on a
// network mount.
type RemoteFilesystemError struct {
	Path   string
	FSType string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("database %q is on network filesystem %q; worker locking needs a local disk (set PROCBRIDGE_WORKER_DB to a local path)", e.Path, e.FSType)
}

// CheckLocalFilesystem reports a *RemoteFilesystemError if path, or the
// closest directory above it that exists, is on a network mount.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return errors.New("database path is empty")
	}
	probe, err := existingAncestor(path)
	if err != nil {
		return err
	}
	fsType, err := detect(probe)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", probe, err)
	}
	if remoteFS[strings.ToLower(strings.TrimSpace(fsType))] {
		return &RemoteFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

// existingAncestor walks up from path until it finds something that exists.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing directory above %q", path)
		}
		p = parent
	}
}
