package manager

import (
	"context"
	"time"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Disabled stands in for the manager when transactions are switched off.
// Every call fails immediately with ErrTransactionsUnavailable.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) StartTransactions(context.Context, []time.Duration) ([]transaction.Started, error) {
	return nil, transaction.ErrTransactionsUnavailable
}

func (Disabled) CommitTransactions(context.Context, []transaction.Snapshot, []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	return nil, transaction.ErrTransactionsUnavailable
}

func (Disabled) AbortTransactions(context.Context, []transaction.ID) (map[transaction.ID]transaction.Outcome, error) {
	return nil, transaction.ErrTransactionsUnavailable
}

func (Disabled) Resources(context.Context, string) ([]Resource, error) {
	return nil, transaction.ErrTransactionsUnavailable
}

func (Disabled) Resource(context.Context, transaction.ResourceRef) (Resource, bool, error) {
	return Resource{}, false, transaction.ErrTransactionsUnavailable
}

func (Disabled) Stats(context.Context) (Stats, error) {
	return Stats{}, transaction.ErrTransactionsUnavailable
}

func (Disabled) Close() error { return nil }
