package store

import "fmt"

// StorageError is returned when the database is unreachable or a statement
// cannot be committed. Nothing from the failed operation is visible afterwards.
type StorageError struct {
	Op  string // "create session", "append emotion", ...
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
