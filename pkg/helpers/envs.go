package helpers

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads the first .env file it finds: the ENV_FILE path
// when set, then the working directory, then up to maxDepth parent
// directories.
func LoadEnvFile(maxDepth int) error {
	if maxDepth <= 0 {
		maxDepth = 5
	}

	candidates := make([]string, 0, maxDepth+2)
	if explicit := os.Getenv("ENV_FILE"); explicit != "" {
		candidates = append(candidates, explicit)
	}
	dir := "."
	for i := 0; i <= maxDepth; i++ {
		candidates = append(candidates, filepath.Join(dir, ".env"))
		dir = filepath.Join(dir, "..")
	}

	for _, path := range candidates {
		if err := godotenv.Load(path); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no .env file found within %d parent directories", maxDepth)
}
