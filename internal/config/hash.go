package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != strings.ToLower(strings.TrimSpace(expectedHash)) {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// ResolveExecutable returns the absolute path of the worker's executable,
// searching PATH when Command[0] has no directory component.
func (w WorkerConfig) ResolveExecutable() (string, error) {
	if len(w.Command) == 0 {
		return "", fmt.Errorf("worker.command is empty")
	}
	path, err := exec.LookPath(w.Command[0])
	if err != nil {
		return "", fmt.Errorf("resolve worker executable %q: %w", w.Command[0], err)
	}
	return filepath.Abs(path)
}

// PinnedFile returns the file worker.checksum is compared against: the script
// when the command is "<interpreter> <script> ...", else the executable.
func (w WorkerConfig) PinnedFile() (string, error) {
	if len(w.Command) > 1 && !strings.HasPrefix(w.Command[1], "-") {
		script := w.Command[1]
		if !filepath.IsAbs(script) && w.Dir != "" {
			script = filepath.Join(w.Dir, script)
		}
		if info, err := os.Stat(script); err == nil && info.Mode().IsRegular() {
			return filepath.Abs(script)
		}
	}
	return w.ResolveExecutable()
}

// VerifyChecksum checks worker.checksum when one is configured.
func (w WorkerConfig) VerifyChecksum() error {
	if w.Checksum == "" {
		return nil
	}
	path, err := w.PinnedFile()
	if err != nil {
		return err
	}
	return VerifyFileHash(path, w.Checksum)
}
