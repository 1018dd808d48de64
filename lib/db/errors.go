package db

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrIo marks failures of the underlying medium (disk full, fsync, closed files).
	ErrIo = errors.New("storage i/o error")
	// ErrCorruption marks data that fails validation when read back.
	ErrCorruption = errors.New("storage corruption")
	// ErrClosed is returned by every operation on a closed database.
	ErrClosed = errors.New("database closed")
)

// IoError wraps err and marks it as ErrIo.
func IoError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIo)
}

// CorruptionError wraps err and marks it as ErrCorruption.
func CorruptionError(err error, format string, args ...interface{}) error {
	if err == nil {
		err = errors.New("invalid data")
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCorruption)
}

// IsIo reports whether err was produced by an I/O failure of the backend.
func IsIo(err error) bool { return errors.Is(err, ErrIo) }

// IsCorruption reports whether err reports corrupted data.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }
