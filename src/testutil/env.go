package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/joho/godotenv"
)

var (
	rootOnce sync.Once
	root     string
)

// projectRoot is the directory holding go.mod, found from this source file
func projectRoot() string {
	rootOnce.Do(func() {
		_, filename, _, _ := runtime.Caller(0)
		for dir := filepath.Dir(filename); ; dir = filepath.Dir(dir) {
			if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
				root = dir
				return
			}
			if dir == filepath.Dir(dir) {
				panic("go.mod not found above " + filename)
			}
		}
	})
	return root
}

// GetEnv reads key after loading the project .env file, if there is one
func GetEnv(key string) string {
	_ = godotenv.Load(filepath.Join(projectRoot(), ".env"))
	return os.Getenv(key)
}
