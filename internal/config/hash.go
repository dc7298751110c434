package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash returns the hex BLAKE3 digest of data.
func ComputeBlake3Hash(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// HashFile computes the BLAKE3 hash of a file.
func HashFile(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return ComputeBlake3Hash(data), nil
}

// Changed reports whether the file at c.Path no longer matches the contents
// c was loaded from. Configs built from Defaults never change.
func (c *Config) Changed() (bool, error) {
	if c.Path == "" {
		return false, nil
	}
	current, err := HashFile(c.Path)
	if err != nil {
		return false, err
	}
	return current != c.Fingerprint, nil
}
