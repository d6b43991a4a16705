//go:build windows

package blockstore

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"
)

// availableSpace returns the available disk space in bytes for Windows
func availableSpace(path string) (int64, error) {
	var freeBytes, totalBytes, totalFreeBytes uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		blockstoreOperationsTotal.WithLabelValues("fs", "get_space", "error").Inc()
		return 0, errors.Wrapf(err, "failed to convert path %s to UTF16", path)
	}

	if err := windows.GetDiskFreeSpaceEx(p, &freeBytes, &totalBytes, &totalFreeBytes); err != nil {
		blockstoreOperationsTotal.WithLabelValues("fs", "get_space", "error").Inc()
		return 0, errors.Wrapf(err, "failed to get disk stats for %s", path)
	}

	blockstoreSpaceAvailable.Set(float64(freeBytes))
	blockstoreOperationsTotal.WithLabelValues("fs", "get_space", "success").Inc()
	return int64(freeBytes), nil
}
