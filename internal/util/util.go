package util

import (
	"errors"
	"io/fs"
	"os"
	"runtime"
	"strconv"
)

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// AvailCPUs honours SLURM_CPUS_ON_NODE when running under a scheduler.
func AvailCPUs() int {
	if v := os.Getenv("SLURM_CPUS_ON_NODE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

// ClampThreads keeps a requested thread count within [1, AvailCPUs()].
func ClampThreads(n int) int {
	if n < 1 {
		return 1
	}
	if max := AvailCPUs(); n > max {
		return max
	}
	return n
}
