package model

import (
	"errors"
	"fmt"
)

// ErrAccountNotFound is wrapped by StorageError when an update touched no row.
var ErrAccountNotFound = errors.New("account not found")

// ErrInvalidRecord is wrapped by StorageError when an account cannot be encoded.
var ErrInvalidRecord = errors.New("invalid account record")

// StorageError 存储层读写失败
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
