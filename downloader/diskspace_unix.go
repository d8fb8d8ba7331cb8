//go:build unix

package downloader

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FreeSpace returns the bytes available to unprivileged writers on the
// filesystem holding dir. Missing directories are resolved to their
// nearest existing parent.
func FreeSpace(dir string) (int64, error) {
	dir = filepath.Clean(dir)
	for {
		var st unix.Statfs_t
		err := unix.Statfs(dir, &st)
		if err == nil {
			return int64(st.Bavail) * int64(st.Bsize), nil
		}
		parent := filepath.Dir(dir)
		if err != unix.ENOENT || parent == dir {
			return 0, err
		}
		dir = parent
	}
}
