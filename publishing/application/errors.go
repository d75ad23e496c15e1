package application

import "errors"

var (
	// ErrNotClaimed means another worker won the item; the caller drops it silently.
	ErrNotClaimed = errors.New("item already claimed by another worker")
	// ErrPersistence marks a failed store write. The pass stops and the item is
	// picked up again once its lease expires.
	ErrPersistence = errors.New("persistence failure")
)
