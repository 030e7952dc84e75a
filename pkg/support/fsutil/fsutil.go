// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// IsDir returns whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 {
		return dir, nil
	}
	if dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1+len(userName):]), nil
}

// EnsureParentDir creates the directory holding filePath, and its parents, if they don't exist yet.
func EnsureParentDir(filePath string, perm os.FileMode) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, perm); err != nil {
		return errors.Wrapf(err, "can't create directory %q for %q", dir, filePath)
	}
	return nil
}

// WalkFiles returns the regular files under root (recursively) for which match returns true,
// in lexical order. Hidden files and directories (names starting with ".") under root are skipped.
func WalkFiles(root string, match func(path string, entry fs.DirEntry) bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() && match(p, entry) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files under %q", root)
	}
	return files, nil
}

// WriteFileAtomically calls write with a temporary file in the same directory as filePath,
// and renames it to filePath only if write succeeds. Otherwise, the temporary file is removed
// and filePath is left untouched.
func WriteFileAtomically(filePath string, perm os.FileMode, write func(w io.Writer) error) (err error) {
	tmpPath := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath)+".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	defer func() {
		if err == nil {
			return
		}
		_ = f.Close()
		if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			klog.Errorf("WriteFileAtomically(%q): error while cleaning up temporary file %q: %v", filePath, tmpPath, removeErr)
		}
	}()

	if err = write(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "failed to rename temporary file %q to %q", tmpPath, filePath)
	}
	return nil
}
