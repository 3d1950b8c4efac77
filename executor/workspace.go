// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// zipMagic is the local file header signature of a zip archive.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// workspace is a throwaway directory holding one execution's code.
type workspace struct {
	dir   string
	entry string
}

// newWorkspace materializes function code under baseDir. Zip bundles
// are extracted; anything else is written as a single file named after
// the entrypoint. Exec runtime entries are marked executable.
func newWorkspace(baseDir string, reg Registration, code []byte) (*workspace, error) {
	dir, err := os.MkdirTemp(baseDir, "fn-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &workspace{dir: dir}
	if isZipArchive(code) {
		if err := extractZip(code, dir); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
		ws.entry = filepath.Join(dir, filepath.FromSlash(reg.Entrypoint))
		if _, err := os.Stat(ws.entry); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("entrypoint %q not found in bundle", reg.Entrypoint)
		}
	} else {
		ws.entry = filepath.Join(dir, filepath.Base(reg.Entrypoint))
		if err := os.WriteFile(ws.entry, code, 0o644); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to write entrypoint: %w", err)
		}
	}

	if reg.Runtime == RuntimeExec {
		if err := os.Chmod(ws.entry, 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("failed to mark entrypoint executable: %w", err)
		}
	}

	return ws, nil
}

func (w *workspace) remove(logger *slog.Logger) {
	if err := os.RemoveAll(w.dir); err != nil {
		logger.Warn("workspace_cleanup_failed",
			slog.String("dir", w.dir),
			slog.Any("error", err))
	}
}

func isZipArchive(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// zipContains reports whether the archive holds an entry with the given
// slash-separated name.
func zipContains(data []byte, name string) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

// extractZip unpacks an archive into destDir, rejecting entries that
// would escape it.
func extractZip(data []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("failed to open bundle: %w", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("bundle entry %q escapes workspace", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create bundle dir: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create bundle dir: %w", err)
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open bundle entry %q: %w", f.Name, err)
		}

		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0o600)
		if err != nil {
			src.Close()
			return fmt.Errorf("failed to create bundle file %q: %w", f.Name, err)
		}

		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to extract bundle entry %q: %w", f.Name, err)
		}
	}

	return nil
}

// sweepWorkspaces removes workspace directories older than maxAge and
// returns how many were reaped.
func sweepWorkspaces(baseDir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "fn-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(baseDir, entry.Name())); err == nil {
			removed++
		}
	}

	return removed, nil
}
