package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Key-value record names.
const (
	keyCurrentSession = "monkey_id"
	userKeyPrefix     = "user_"
)

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
