package processing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// TransferMode selects how files reach the library.
type TransferMode string

const (
	TransferMove     TransferMode = "move"
	TransferCopy     TransferMode = "copy"
	TransferHardlink TransferMode = "hardlink"
)

// ErrCrossDevice is returned when a rename or link spans filesystems.
var ErrCrossDevice = errors.New("cross-device link not supported")

// ParseTransferMode maps a config value to a mode, defaulting to move.
func ParseTransferMode(s string) TransferMode {
	switch TransferMode(strings.ToLower(strings.TrimSpace(s))) {
	case TransferCopy:
		return TransferCopy
	case TransferHardlink:
		return TransferHardlink
	default:
		return TransferMove
	}
}

// transfer places source at dest. A directory source is merged into the dest directory.
func transfer(source, dest string, mode TransferMode) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return transferFile(source, dest, mode)
	}

	err = filepath.WalkDir(source, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		return transferFile(p, target, mode)
	})
	if err != nil {
		return err
	}
	if mode == TransferMove {
		// Only empty directories remain after a successful move.
		_ = os.RemoveAll(source)
	}
	return nil
}

func transferFile(source, dest string, mode TransferMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := removeIfExists(dest); err != nil {
		return err
	}

	switch mode {
	case TransferCopy:
		return copyFile(source, dest)
	case TransferHardlink:
		if err := os.Link(source, dest); err != nil {
			// Seeding torrents keep their source, so a copy is the safe fallback.
			return copyFile(source, dest)
		}
		return nil
	default:
		if err := os.Rename(source, dest); err != nil {
			if !isCrossDeviceError(err) {
				return fmt.Errorf("failed to move file: %w", err)
			}
			if err := copyFile(source, dest); err != nil {
				return err
			}
			if err := os.Remove(source); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove source after copy: %w", err)
			}
		}
		return nil
	}
}

func copyFile(sourcePath, destPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer source.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(dest, source); err != nil {
		dest.Close()
		os.Remove(destPath)
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := dest.Close(); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to close destination file: %w", err)
	}

	if info, err := os.Stat(sourcePath); err == nil {
		_ = os.Chmod(destPath, info.Mode())
	}
	return nil
}

func removeIfExists(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing file: %w", err)
		}
	}
	return nil
}

// isCrossDeviceError checks if an error is a cross-device link error.
func isCrossDeviceError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCrossDevice) {
		return true
	}

	errStr := err.Error()
	switch runtime.GOOS {
	case "windows":
		return strings.Contains(errStr, "not on the same disk")
	default:
		return strings.Contains(errStr, "cross-device")
	}
}
