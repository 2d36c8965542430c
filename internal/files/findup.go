package files

import (
	"os"
	"path/filepath"
)

// FindUp looks for an entry called name in dir and each of its parents, returning the first path found or "" if there is none.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		candidate := filepath.Join(curDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
