// Package securefile implements the atomic write protocol used for all
// authoritative on-disk state: serialize to a temp file in the destination
// directory, fsync the file, rename over the target, then fsync the directory
// so the rename itself is durable. A crash at any point leaves either the old
// file or the new file, never a partial one.
package securefile

import (
	"os"
	"path/filepath"
	"runtime"
)

// MkdirAll creates dir (and parents) with owner-only permissions on unix.
//
// On Windows permission bits are not reliable; the function only ensures the
// directory exists.
func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return nil
	}
	// MkdirAll does not tighten permissions on an existing directory.
	return os.Chmod(dir, 0o700)
}

// WriteFileAtomic writes data to filename via temp file + fsync + rename,
// enforcing perm on unix, and fsyncs the parent directory afterwards.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	f, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	ok := false
	defer func() {
		_ = f.Close()
		if !ok {
			_ = os.Remove(tmp)
		}
	}()

	if runtime.GOOS != "windows" {
		if err := f.Chmod(perm); err != nil {
			return err
		}
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// On Windows, os.Rename does not overwrite an existing destination.
	if runtime.GOOS == "windows" {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return err
	}
	ok = true

	if runtime.GOOS != "windows" {
		// Keep the final path at the desired mode even if umask interferes.
		if err := os.Chmod(filename, perm); err != nil {
			return err
		}
		return syncDir(dir)
	}
	return nil
}

// syncDir makes the rename durable. Best effort on filesystems that refuse
// to fsync directories.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
