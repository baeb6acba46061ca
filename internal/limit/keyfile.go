package limit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeyFile mirrors the gateway's config.json: a list of issued API keys.
type KeyFile struct {
	APIKeys []KeyEntry `json:"api_keys"`
}

type KeyEntry struct {
	Label string `json:"label,omitempty"`
	Key   string `json:"key"`
}

// LoadAPIKey reads the first usable key from a key file. A missing file is not
// an error; callers fall back to statically configured keys.
func LoadAPIKey(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read key file: %w", err)
	}
	var file KeyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("parse key file: %w", err)
	}
	for _, entry := range file.APIKeys {
		if strings.TrimSpace(entry.Key) != "" {
			return strings.TrimSpace(entry.Key), nil
		}
	}
	return "", nil
}
