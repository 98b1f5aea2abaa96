package config

import (
	"os"
	"path/filepath"
)

// fileNames are the recognized config file names, in precedence order.
var fileNames = []string{
	"micromux.yaml",
	".micromux.yaml",
	"micromux.yml",
	".micromux.yml",
}

// Discover returns the first config file found in dir, or "" when none
// exists.
func Discover(dir string) (string, error) {
	for _, name := range fileNames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", nil
}
