package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint returns a short "blake3:" tag for the loaded config file, used
// in startup logs so operators can tell which revision a server is running.
func (c *Config) Fingerprint() string {
	if c.SourcePath == "" {
		return "blake3:unknown"
	}
	h, err := ComputeBlake3Hash(c.SourcePath)
	if err != nil {
		return "blake3:unknown"
	}
	return "blake3:" + h[:16]
}
