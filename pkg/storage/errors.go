package storage

import (
	"errors"
	"fmt"
)

var (
	// Read errors

	// ErrInvalidRange if the end of a KeyRange sorts before its start.
	ErrInvalidRange = errors.New("invalid key range")

	// Write errors

	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")
	// ErrExceededWriteBatchLimit if the write limit is exceeded
	ErrExceededWriteBatchLimit = errors.New("number of operations exceeded write batch limit")
	// ErrInvalidWriteInput if a pair to be written has an empty key or a nil value
	ErrInvalidWriteInput = errors.New("invalid write input")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
	ErrNotFound  = errors.New("not found")
)

func ExceededWriteBatchLimitError(limit int) error {
	return fmt.Errorf("%w: %d", ErrExceededWriteBatchLimit, limit)
}

func InvalidWriteInputError(kv *KeyValue) error {
	if kv == nil {
		return fmt.Errorf("cannot write a nil pair: %w", ErrInvalidWriteInput)
	}
	return fmt.Errorf("cannot write key '%s' with %d value bytes: %w", kv.Key, len(kv.Value), ErrInvalidWriteInput)
}

// ValidateWrite applies the checks every engine performs before a write.
func ValidateWrite(kvs []*KeyValue, limit int) error {
	if limit > 0 && len(kvs) > limit {
		return ExceededWriteBatchLimitError(limit)
	}

	for _, kv := range kvs {
		if kv == nil || kv.Key == "" || kv.Value == nil {
			return InvalidWriteInputError(kv)
		}
	}

	return nil
}
