package fsbackend

import (
	"io"
	"os"
)

// The raw operations shared by all backends. Keeping them in one place is
// what guarantees that every backend produces the same resulting tree.

func createDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &Error{Op: "create_dir", Path: path, Err: err}
	}
	return nil
}

func removeAll(path string) error {
	// os.RemoveAll already treats a missing path as success.
	if err := os.RemoveAll(path); err != nil {
		return &Error{Op: "remove_all", Path: path, Err: err}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return &Error{Op: "copy", Path: src, Err: err}
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return &Error{Op: "copy", Path: src, Err: err}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return &Error{Op: "copy", Path: dst, Err: err}
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return &Error{Op: "copy", Path: dst, Err: err}
	}

	if err := out.Close(); err != nil {
		return &Error{Op: "copy", Path: dst, Err: err}
	}
	return nil
}

func hardlinkFile(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		return &Error{Op: "hardlink", Path: dst, Err: err}
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &Error{Op: "stat", Path: path, Err: err}
}

func setOwner(path string, uid, gid uint32) error {
	if err := os.Chown(path, int(uid), int(gid)); err != nil {
		return &Error{Op: "chown", Path: path, Err: err}
	}
	return nil
}
