package transaction

import "errors"

var (
	ErrTransactionStartFailure = errors.New("transaction start failed: manager unreachable")
	ErrTransactionsUnavailable = errors.New("transactions are unavailable")
	ErrTransactionResolved     = errors.New("transaction is already resolved")
	ErrNoTransaction           = errors.New("no transaction in context")
	ErrReadOnlyTransaction     = errors.New("write in a read-only transaction")
	ErrInvalidTransition       = errors.New("invalid transaction status transition")
	ErrManagerClosed           = errors.New("transaction manager is closed")
)
