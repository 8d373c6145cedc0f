// Package storage persists seen postings so each one is announced at most once.
package storage

import (
	"errors"
	"fmt"
)

// InsertResult reports whether Insert created a new row.
type InsertResult int

const (
	// Inserted means the record was not present and has been stored.
	Inserted InsertResult = iota + 1
	// AlreadyExists means a record with the same identity was already stored.
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned by MarkSent for an identity that was never inserted.
var ErrNotFound = errors.New("record not found")

// StorageError reports a failure of the underlying store.
type StorageError struct {
	Err error
	Op  string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
