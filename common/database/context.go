// Package database holds the timeouts shared by database callers.
package database

import (
	"context"
	"time"
)

// Standard timeout durations for database operations
const (
	// DefaultQueryTimeout is the timeout for a single statement or ping
	DefaultQueryTimeout = 5 * time.Second

	// DefaultTxTimeout bounds a whole transaction such as a merge or sanitize pass
	DefaultTxTimeout = 30 * time.Second
)

// QueryContext creates a context with DefaultQueryTimeout.
// An earlier deadline on parent still wins.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// TxContext creates a context with DefaultTxTimeout.
func TxContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTxTimeout)
}
