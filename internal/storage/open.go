package storage

import (
	"errors"
	logx "pigeon/pkg/logx"
	"strings"
)

// Open initializes the configured store.
//
// Unlike most optional subsystems, storage is load-bearing: the offline
// queue's durability guarantee depends on it, so there is no disabled mode.
// An empty driver defaults to sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
