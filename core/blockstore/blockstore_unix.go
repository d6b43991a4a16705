//go:build linux || darwin || freebsd || openbsd || netbsd

package blockstore

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// availableSpace returns the available disk space in bytes for Unix-like systems
func availableSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		blockstoreOperationsTotal.WithLabelValues("fs", "get_space", "error").Inc()
		return 0, errors.Wrapf(err, "failed to get disk stats for %s", path)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	blockstoreSpaceAvailable.Set(float64(available))
	blockstoreOperationsTotal.WithLabelValues("fs", "get_space", "success").Inc()
	return available, nil
}
