//go:build nosqlite
// +build nosqlite

package storage

import (
	"errors"

	logx "pigeon/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite storage not built: rebuild without -tags nosqlite, or use the file driver")
}
