//go:build !unix

package downloader

import "errors"

// FreeSpace is not available on this platform; admission then relies on
// the configured quota alone.
func FreeSpace(dir string) (int64, error) {
	return 0, errors.ErrUnsupported
}
