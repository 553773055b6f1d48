package app

import (
	"fmt"
	"strings"
	"time"

	"pigeon/internal/storage"
)

// mapStorageConfig validates and converts the storage section. Storage is
// load-bearing (offline queue durability, audit trail, preferences), so
// unlike most subsystems it has no disabled mode; an empty driver means
// sqlite.
func mapStorageConfig(cfg *Config) (storage.Config, error) {
	var driver, path, busyRaw string
	if cfg != nil {
		driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
		path = strings.TrimSpace(cfg.Storage.Path)
		busyRaw = cfg.Storage.BusyTimeout
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", busyRaw, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}
