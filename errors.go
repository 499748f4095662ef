package twoskip_go

import "errors"

var (
	ErrKeyIsEmpty         = errors.New("the key is empty")
	ErrKeyNotFound        = errors.New("key not found in database")
	ErrIndexUpdateFailed  = errors.New("failed to update index")
	ErrPathIsEmpty        = errors.New("the database path is empty")
	ErrInvalidIndexType   = errors.New("invalid index type")
	ErrReadOnly           = errors.New("the database is opened read only")
	ErrDatabaseIsUsing    = errors.New("the database is being used by another process")
	ErrGenerationMismatch = errors.New("the database file has been replaced, reopen it")
	ErrNeedsRecovery      = errors.New("write was interrupted, reopen the database to recover")
	ErrClosed             = errors.New("the database is closed")
	ErrBatchCommitted     = errors.New("the write batch has been committed")
	ErrCheckFailed        = errors.New("database consistency check failed")
)
