package storage

import (
	"errors"
	"fmt"
	"time"

	"lanshare/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAborted indicates a batch write stopped by its progress callback.
	ErrAborted = errors.New("storage: batch aborted")
)

// ProgressFunc is called after each row of a batch write. Returning false aborts the batch.
type ProgressFunc func(total, current int) bool

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction models.Direction) error {
	if !direction.Valid() {
		return fmt.Errorf("invalid direction %q", direction)
	}
	return nil
}

func validateFlag(flag models.Flag) error {
	switch flag {
	case models.FlagPending, models.FlagRunning, models.FlagDone, models.FlagRemoved, models.FlagInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid flag %q", flag)
	}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
