package utils

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorRunInProgress is returned when a reconciliation run is requested while
// another run holds the run lock.
var ErrorRunInProgress = errors.New("reconciliation run already in progress")

// ConnectivityError wraps a transient upstream failure (ledger API, document
// source, database). Runs that hit one finish as FAILED and are retryable.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

func NewConnectivityError(op string, err error) *ConnectivityError {
	return &ConnectivityError{Op: op, Err: err}
}

func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// ValidationError marks bad input on a single item. It never aborts a whole
// run; the offending item is recorded and skipped.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DuplicateLinkageError is returned when a write would link a ledger entry
// that already carries a linkage marker for a different document.
type DuplicateLinkageError struct {
	LedgerEntryID  uint
	DocumentID     uint
	ExistingMarker string
}

func (e *DuplicateLinkageError) Error() string {
	return fmt.Sprintf("ledger entry %d already linked (marker=%q), refusing link for document %d",
		e.LedgerEntryID, e.ExistingMarker, e.DocumentID)
}

func IsDuplicateLinkageError(err error) bool {
	var de *DuplicateLinkageError
	return errors.As(err, &de)
}

// IdentityCollisionError is returned when two distinct documents normalize to
// the same fingerprint. Both documents are quarantined for review.
type IdentityCollisionError struct {
	Fingerprint string
	DocumentIDs []uint
}

func (e *IdentityCollisionError) Error() string {
	return fmt.Sprintf("fingerprint collision %q across documents %v", e.Fingerprint, e.DocumentIDs)
}

func IsIdentityCollisionError(err error) bool {
	var ie *IdentityCollisionError
	return errors.As(err, &ie)
}

// IsDuplicateKeyError reports whether err is a MySQL duplicate-key violation
// (error 1062). Used to treat unique-index races as idempotent no-ops.
func IsDuplicateKeyError(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
