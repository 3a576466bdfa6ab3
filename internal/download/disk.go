package download

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-vlm/internal/logger"
)

const gib = 1 << 30

// statFreeBytes reports free bytes available to unprivileged users at path.
// Replaced in tests.
var statFreeBytes = freeBytes

// CheckDiskSpace verifies that the filesystem holding path (or its nearest
// existing ancestor) has at least requiredGB free. When free space cannot be
// measured the check passes with a warning.
func CheckDiskSpace(path string, requiredGB float64) (float64, error) {
	dir := existingAncestor(path)
	free, err := statFreeBytes(dir)
	if err != nil {
		logger.Log.Warn("Could not check disk space", "path", dir, "error", err)
		return 0, nil
	}

	freeGB := float64(free) / gib
	if freeGB < requiredGB {
		logger.Log.Warn("Low disk space", "path", dir, "available_gb", fmt.Sprintf("%.2f", freeGB), "required_gb", fmt.Sprintf("%.2f", requiredGB))
		return freeGB, fmt.Errorf("%w: %.2f GB available, %.2f GB required", ErrInsufficientDiskSpace, freeGB, requiredGB)
	}
	logger.Log.Info("Disk space OK", "path", dir, "available_gb", fmt.Sprintf("%.2f", freeGB))
	return freeGB, nil
}

func existingAncestor(path string) string {
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
