package db

import "errors"

// Sentinel errors for store operations.
var (
	ErrKeyNotFound = errors.New("db: key not found")
	ErrClosed      = errors.New("db: store closed")
)

// Op constants name the failing command for error context.
const (
	OpPing     = "PING"
	OpGetEntry = "HGETALL"
	OpPutEntry = "EVALSHA put"
	OpCAS      = "EVALSHA cas"
	OpDel      = "DEL"
	OpScan     = "SCAN"
	OpQuery    = "QUERY"
	OpExec     = "EXEC"
	OpBegin    = "BEGIN"
	OpCommit   = "COMMIT"
	OpRollback = "ROLLBACK"
	OpMigrate  = "MIGRATE"
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
