package githubapp

import (
	"crypto/sha256"
	"os"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func sha256Sum(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}
