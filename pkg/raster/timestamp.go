package raster

import (
	"errors"
	"io/fs"
	"os"
)

// IsLatest reports whether target exists and is strictly newer than every
// existing source. Missing sources are ignored.
func IsLatest(target string, sources ...string) bool {
	ti, err := os.Stat(target)
	if err != nil {
		return false
	}

	for _, src := range sources {
		if src == "" {
			continue
		}
		si, err := os.Stat(src)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false
		}
		if !ti.ModTime().After(si.ModTime()) {
			return false
		}
	}
	return true
}

// Exists reports whether path names an existing file
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
