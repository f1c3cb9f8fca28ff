package types

import "context"

// TransactionManager scopes work in a transactional unit of work.
//
// The context passed to fn carries the transaction; collaborators invoked
// inside fn (notably the BatchProcessor and TokenStore) participate in it
// when the implementation supports doing so. Returning an error from fn
// rolls the unit of work back.
type TransactionManager interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type nopTransactionManager struct{}

func (nopTransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NopTransactionManager returns a TransactionManager that runs the unit of
// work directly, without any transactional scope.
func NopTransactionManager() TransactionManager {
	return nopTransactionManager{}
}
