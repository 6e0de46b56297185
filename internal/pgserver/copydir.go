package pgserver

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// skipOnCopy lists files that describe a running server and must not be
// carried into a clone.
var skipOnCopy = map[string]bool{
	"postmaster.pid":  true,
	"postmaster.opts": true,
}

// copyDir recursively copies src to dst, which must not exist. File modes
// and symlinks are preserved.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return mkdirPerm(target, info.Mode().Perm())
		}
		if skipOnCopy[rel] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return mkdirPerm(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return fmt.Errorf("cannot copy %s: unsupported file type %s", path, info.Mode().Type())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // G304: path walked from the configured copy source
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm) //nolint:gosec // G304: destination inside the fixture's data directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Chmod(perm); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// mkdirPerm creates dir with exactly perm, regardless of the umask.
func mkdirPerm(dir string, perm fs.FileMode) error {
	if err := os.Mkdir(dir, perm); err != nil {
		return err
	}
	return os.Chmod(dir, perm)
}
