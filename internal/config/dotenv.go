package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the first .env found in the working directory or up to
// maxDepth parents and returns its path. Variables already present in the
// environment win. It returns "" when no file was loaded.
func LoadDotEnv(maxDepth int) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i <= maxDepth; i++ {
		p := filepath.Join(dir, ".env")
		if _, err := os.Stat(p); err == nil {
			if godotenv.Load(p) != nil {
				return ""
			}
			return p
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
